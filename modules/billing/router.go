package billing

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Mountable is anything that exposes an http.Handler for mounting.
type Mountable interface {
	Handle() http.Handler
}

// RouterOptions configures which services to mount in the billing module.
type RouterOptions struct {
	// Billing is the combined command/checkout/webhook surface.
	Billing Mountable
}

// Router creates the billing module router. The host application mounts it
// under its own prefix; webhook URLs registered with the provider must point
// at <prefix>/webhook.
//
// Example:
//
//	svc := billingsvc.NewService(provider, store, cfg, log)
//	hook := billingsvc.NewWebhookService(provider, store, log)
//	h := billingsvc.NewHandler(svc, hook, cfg, log)
//
//	r := chi.NewRouter()
//	r.Mount("/billing", billing.Router(billing.RouterOptions{Billing: h}))
func Router(opts RouterOptions) chi.Router {
	r := chi.NewRouter()

	if opts.Billing != nil {
		r.Mount("/", opts.Billing.Handle())
	}

	return r
}
