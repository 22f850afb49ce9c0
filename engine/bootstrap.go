package engine

import (
	"context"
	"errors"

	"ledger-todo/domain"
	"ledger-todo/ledger"
)

// Bootstrapper detects and creates an account's list resource.
type Bootstrapper struct {
	gw        ledger.Gateway
	module    ledger.Module
	submitter *Submitter
}

func NewBootstrapper(gw ledger.Gateway, module ledger.Module, submitter *Submitter) *Bootstrapper {
	return &Bootstrapper{gw: gw, module: module, submitter: submitter}
}

// Exists reports whether account owns a list. A missing resource is not an
// error; any other read failure is returned as *domain.GatewayError.
func (b *Bootstrapper) Exists(ctx context.Context, account string) (domain.ListResource, bool, error) {
	res, err := b.gw.ReadResource(ctx, account, b.module.ResourceType())
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return domain.ListResource{}, false, nil
		}
		var gwErr *domain.GatewayError
		if errors.As(err, &gwErr) {
			return domain.ListResource{}, false, err
		}
		return domain.ListResource{}, false, &domain.GatewayError{Op: "read resource", Err: err}
	}
	return res, true, nil
}

// Create submits create_list and returns once the ledger confirmed it.
func (b *Bootstrapper) Create(ctx context.Context, account string) (ledger.Receipt, error) {
	return b.submitter.SubmitCreateList(ctx, account)
}
