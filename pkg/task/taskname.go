package task

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
)

const (
	// ParticipationExpirySweep expires overdue IN_PROGRESS participations.
	ParticipationExpirySweep = "participation:expiry:sweep"
	// MissionDayStatusSync ends past mission days and campaigns.
	MissionDayStatusSync = "missionday:status:sync"
)
