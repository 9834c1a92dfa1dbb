package credits

import (
	"net/http"

	"github.com/luciaai/searchdeep-sub000/api/middleware"
	"github.com/luciaai/searchdeep-sub000/api/responses"
	"github.com/luciaai/searchdeep-sub000/internal/users"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
)

// ProvisionCaller creates the authenticated caller, with the signup grant,
// before any credits handler runs. It must sit after middleware.Auth.
func ProvisionCaller(provisioner Provisioner, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if provisioner == nil {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "user provisioning unavailable"))
				return
			}
			userID, err := callerID(r)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			if _, err := provisioner.Provision(ctx, users.ProvisionInput{
				UserID: userID,
				Email:  middleware.EmailFromContext(ctx),
			}); err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
