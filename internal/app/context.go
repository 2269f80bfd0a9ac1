package app

import (
	"context"
	"errors"
	"fmt"

	"smarter/internal/domain"
	"smarter/internal/engine"
	"smarter/internal/repo"
)

// DefaultAccount is created on first local use of an empty database.
const DefaultAccount = "default"

// ResolvePrincipal picks the account local commands act in. It prefers
// the override, then the only account in the database. An empty database
// gets a default account on the fly.
func ResolvePrincipal(ctx context.Context, e *engine.Engine, accountRef, actorID string) (domain.Principal, error) {
	if actorID == "" {
		actorID = "local-user"
	}
	if accountRef != "" {
		acct, err := e.Repo.FindAccount(ctx, accountRef)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Principal{}, fmt.Errorf("account %s not found", accountRef)
		}
		if err != nil {
			return domain.Principal{}, err
		}
		return domain.Principal{ActorID: actorID, Account: acct}, nil
	}
	accounts, err := e.Repo.ListAccounts(ctx)
	if err != nil {
		return domain.Principal{}, err
	}
	switch len(accounts) {
	case 0:
		acct, err := e.CreateAccount(ctx, engine.AccountCreateOptions{Name: DefaultAccount, ActorID: actorID})
		if err != nil {
			return domain.Principal{}, fmt.Errorf("create default account: %w", err)
		}
		return domain.Principal{ActorID: actorID, Account: acct}, nil
	case 1:
		return domain.Principal{ActorID: actorID, Account: accounts[0]}, nil
	default:
		return domain.Principal{}, fmt.Errorf("several accounts exist; use --account")
	}
}
