package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/dispatchcore/api/responses"
	"github.com/angelmondragon/dispatchcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispatchcore/pkg/errors"
	"github.com/angelmondragon/dispatchcore/pkg/logger"
	"github.com/angelmondragon/dispatchcore/pkg/types"
)

const (
	actorTypeHeader = "X-Actor-Type"
	actorIDHeader   = "X-Actor-Id"
)

// Actor resolves the caller from headers set by the upstream gateway, which
// is responsible for authenticating them. Only system callers may omit the id.
func Actor(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := parseActor(r)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			noteActor(r.Context(), actor)
			ctx := WithActor(r.Context(), actor)
			if logg != nil {
				ctx = logg.WithActor(ctx, string(actor.Type), actor.ID.String())
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseActor(r *http.Request) (types.Actor, error) {
	rawType := strings.ToLower(strings.TrimSpace(r.Header.Get(actorTypeHeader)))
	if rawType == "" {
		return types.Actor{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "actor type header required")
	}
	actorType, err := enums.ParseActorType(rawType)
	if err != nil {
		return types.Actor{}, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "unknown actor type")
	}

	rawID := strings.TrimSpace(r.Header.Get(actorIDHeader))
	if rawID == "" {
		if actorType == enums.ActorSystem {
			return types.SystemActor(), nil
		}
		return types.Actor{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "actor id header required")
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return types.Actor{}, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid actor id")
	}
	return types.Actor{Type: actorType, ID: id}, nil
}

// RequireActorType rejects callers whose type is not listed.
func RequireActorType(logg *logger.Logger, allowed ...enums.ActorType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "actor missing"))
				return
			}
			for _, t := range allowed {
				if actor.Type == t {
					next.ServeHTTP(w, r)
					return
				}
			}
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "actor type not permitted"))
		})
	}
}
