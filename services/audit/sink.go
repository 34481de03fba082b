package audit

import (
	"context"
	"encoding/json"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"mission-marketplace/pkg/errutil"
	"mission-marketplace/pkg/repository"
)

var Module = fx.Module("audit",
	fx.Provide(NewSink),
)

// Sink appends audit records. It has no read path.
type Sink struct {
	node *snowflake.Node
	repo repository.Repository[Log]
}

type Params struct {
	fx.In

	DB   *gorm.DB
	Node *snowflake.Node
}

func NewSink(p Params) *Sink {
	return &Sink{
		node: p.Node,
		repo: repository.ProvideStore[Log](p.DB),
	}
}

// Write records e inside tx so the record commits or rolls back with the
// change it describes. A nil tx writes on the sink's own connection.
func (s *Sink) Write(ctx context.Context, tx *gorm.DB, e Entry) error {
	var meta datatypes.JSON
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return errutil.Internal("failed to encode audit metadata", err)
		}
		meta = raw
	}

	repo := s.repo
	if tx != nil {
		repo = repo.WithTrx(tx)
	}

	if err := repo.Create(ctx, &Log{
		ID:         s.node.Generate().String(),
		ActorID:    e.ActorID,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Metadata:   meta,
	}); err != nil {
		return errutil.Internal("failed to write audit log", err)
	}
	return nil
}
