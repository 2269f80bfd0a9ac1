package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"smarter/internal/domain"
)

const accountColumns = `id,account_number,name,company_name,COALESCE(phone_number,''),COALESCE(address,''),created_at`

func scanAccount(row interface{ Scan(...any) error }) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.AccountNumber, &a.Name, &a.CompanyName, &a.PhoneNumber, &a.Address, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertAccount(ctx context.Context, tx *sql.Tx, a domain.Account) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO accounts(id,account_number,name,company_name,phone_number,address,created_at) VALUES (?,?,?,?,?,?,?)`),
		a.ID, a.AccountNumber, a.Name, a.CompanyName, nullable(a.PhoneNumber), nullable(a.Address), a.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("account %s: %w", a.Name, ErrConflict)
	}
	return err
}

func (r Repo) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return scanAccount(r.DB.QueryRowContext(ctx, r.q(`SELECT `+accountColumns+` FROM accounts WHERE id=?`), id))
}

// FindAccount looks an account up by id, name or account number.
func (r Repo) FindAccount(ctx context.Context, ref string) (domain.Account, error) {
	return scanAccount(r.DB.QueryRowContext(ctx, r.q(`SELECT `+accountColumns+` FROM accounts WHERE id=? OR name=? OR account_number=? LIMIT 1`), ref, ref, ref))
}

func (r Repo) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
