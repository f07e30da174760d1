package audience

import (
	"context"
	"errors"
	"fmt"

	"github.com/mithileshchellappan/novelpush/internal/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrUnavailable means the token store could not be read. No partial
// audience is ever returned alongside it.
var ErrUnavailable = errors.New("audience unavailable")

// lookupLimit bounds concurrent per-user lookups for explicit audiences.
const lookupLimit = 16

type Resolver struct {
	store storage.TokenStore
	log   logrus.FieldLogger

	// allRequiresEnabled filters the `all` audience by notificationsEnabled.
	allRequiresEnabled bool
}

func NewResolver(store storage.TokenStore, allRequiresEnabled bool, log logrus.FieldLogger) *Resolver {
	return &Resolver{store: store, allRequiresEnabled: allRequiresEnabled, log: log}
}

// Resolve returns the deduplicated token set for an audience.
func (r *Resolver) Resolve(ctx context.Context, aud storage.Audience) (storage.TokenSet, error) {
	switch aud.Kind {
	case storage.AudienceAll:
		var pred storage.Predicate
		if r.allRequiresEnabled {
			pred.NotificationsEnabled = storage.Enabled(true)
		}
		return r.query(ctx, pred)

	case storage.AudienceChapterSubscribers:
		return r.query(ctx, storage.Predicate{
			NotificationsEnabled: storage.Enabled(true),
			Preferences:          []string{storage.PrefNewChapters},
		})

	case storage.AudienceUsers:
		return r.resolveUsers(ctx, aud.UserIDs)

	default:
		return nil, fmt.Errorf("%w: %q", storage.ErrInvalidAudience, aud.Kind)
	}
}

func (r *Resolver) query(ctx context.Context, pred storage.Predicate) (storage.TokenSet, error) {
	tokens, err := r.store.QueryTokens(ctx, pred)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return storage.NewTokenSet(tokens...), nil
}

func (r *Resolver) resolveUsers(ctx context.Context, userIDs []string) (storage.TokenSet, error) {
	ids := storage.NewTokenSet(userIDs...).Slice()
	results := make([][]string, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupLimit)
	for i, id := range ids {
		g.Go(func() error {
			tokens, err := r.store.QueryTokens(gctx, storage.Predicate{
				NotificationsEnabled: storage.Enabled(true),
				UserIDs:              []string{id},
			})
			if err != nil {
				return fmt.Errorf("user %s: %w", id, err)
			}
			results[i] = tokens
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	set := storage.NewTokenSet()
	for _, tokens := range results {
		for _, t := range tokens {
			set.Add(t)
		}
	}
	r.log.WithFields(logrus.Fields{"users": len(ids), "tokens": set.Len()}).Debug("Resolved explicit audience")
	return set, nil
}
