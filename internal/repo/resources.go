package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"smarter/internal/domain"
)

const resourceColumns = `id,account_id,kind,name,api_version,variant,COALESCE(description,''),COALESCE(version,''),labels_json,annotations_json,spec_json,deploy_state,COALESCE(deploy_task_id,''),COALESCE(deploy_detail,''),COALESCE(url,''),resource_version,created_at,updated_at`

func scanResource(row interface{ Scan(...any) error }) (domain.Resource, error) {
	var res domain.Resource
	var labels, annotations, spec string
	var state string
	err := row.Scan(&res.ID, &res.AccountID, &res.Kind, &res.Name, &res.APIVersion, &res.Variant, &res.Description, &res.Version,
		&labels, &annotations, &spec, &state, &res.DeployTaskID, &res.DeployDetail, &res.URL, &res.ResourceVersion, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	res.DeployState = domain.DeployState(state)
	if err := json.Unmarshal([]byte(labels), &res.Labels); err != nil {
		return res, fmt.Errorf("decode labels of %s: %w", res.ID, err)
	}
	if err := json.Unmarshal([]byte(annotations), &res.Annotations); err != nil {
		return res, fmt.Errorf("decode annotations of %s: %w", res.ID, err)
	}
	dec := json.NewDecoder(strings.NewReader(spec))
	dec.UseNumber()
	if err := dec.Decode(&res.Spec); err != nil {
		return res, fmt.Errorf("decode spec of %s: %w", res.ID, err)
	}
	return res, nil
}

// GetResource fetches by uniqueness key. tx may be nil.
func (r Repo) GetResource(ctx context.Context, tx *sql.Tx, accountID, kind, name string) (domain.Resource, error) {
	return scanResource(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+resourceColumns+` FROM resources WHERE account_id=? AND kind=? AND name=?`), accountID, kind, name))
}

func (r Repo) GetResourceByID(ctx context.Context, tx *sql.Tx, id string) (domain.Resource, error) {
	return scanResource(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+resourceColumns+` FROM resources WHERE id=?`), id))
}

// ResourceExists reports whether (accountID, kind, name) is taken.
func (r Repo) ResourceExists(ctx context.Context, tx *sql.Tx, accountID, kind, name string) (bool, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, r.q(`SELECT 1 FROM resources WHERE account_id=? AND kind=? AND name=?`), accountID, kind, name).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// InsertResource creates a record. A concurrent insert of the same key
// surfaces as ErrConflict.
func (r Repo) InsertResource(ctx context.Context, tx *sql.Tx, res domain.Resource) error {
	labels, annotations, spec, err := encodeResource(res)
	if err != nil {
		return err
	}
	if res.ResourceVersion == 0 {
		res.ResourceVersion = 1
	}
	if res.DeployState == "" {
		res.DeployState = domain.NotDeployed
	}
	_, err = r.on(tx).ExecContext(ctx, r.q(`INSERT INTO resources(id,account_id,kind,name,api_version,variant,description,version,labels_json,annotations_json,spec_json,deploy_state,deploy_task_id,deploy_detail,url,resource_version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		res.ID, res.AccountID, res.Kind, res.Name, res.APIVersion, res.Variant, nullable(res.Description), nullable(res.Version),
		labels, annotations, spec, string(res.DeployState), nullable(res.DeployTaskID), nullable(res.DeployDetail), nullable(res.URL),
		res.ResourceVersion, res.CreatedAt, res.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s %s: %w", res.Kind, res.Name, ErrConflict)
	}
	return err
}

// UpdateResource writes res if the stored resource_version still equals
// expected, bumping it by one. A lost race returns ErrConflict.
func (r Repo) UpdateResource(ctx context.Context, tx *sql.Tx, res domain.Resource, expected int64) error {
	labels, annotations, spec, err := encodeResource(res)
	if err != nil {
		return err
	}
	out, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE resources SET api_version=?,variant=?,description=?,version=?,labels_json=?,annotations_json=?,spec_json=?,
deploy_state=?,deploy_task_id=?,deploy_detail=?,url=?,resource_version=resource_version+1,updated_at=?
WHERE id=? AND resource_version=?`),
		res.APIVersion, res.Variant, nullable(res.Description), nullable(res.Version), labels, annotations, spec,
		string(res.DeployState), nullable(res.DeployTaskID), nullable(res.DeployDetail), nullable(res.URL), res.UpdatedAt,
		res.ID, expected)
	if err != nil {
		return err
	}
	return expectOne(out)
}

// DeployUpdate is a deploy-state transition written by task handlers.
type DeployUpdate struct {
	ID     string
	TaskID string
	State  domain.DeployState
	Detail string
	URL    string
	Now    string
}

// SetDeployState moves a record's deploy state, but only while the record
// is still owned by TaskID. A superseded task gets ErrConflict.
func (r Repo) SetDeployState(ctx context.Context, tx *sql.Tx, u DeployUpdate) error {
	out, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE resources SET deploy_state=?,deploy_detail=?,url=?,resource_version=resource_version+1,updated_at=?
WHERE id=? AND deploy_task_id=?`),
		string(u.State), nullable(u.Detail), nullable(u.URL), u.Now, u.ID, u.TaskID)
	if err != nil {
		return err
	}
	return expectOne(out)
}

// DeleteResource removes the record if resource_version still matches.
func (r Repo) DeleteResource(ctx context.Context, tx *sql.Tx, id string, expected int64) error {
	out, err := r.on(tx).ExecContext(ctx, r.q(`DELETE FROM resources WHERE id=? AND resource_version=?`), id, expected)
	if err != nil {
		return err
	}
	return expectOne(out)
}

// ResourceFilter narrows ListResources. Empty fields match everything.
type ResourceFilter struct {
	AccountID   string
	Kind        string
	DeployState domain.DeployState
	UpdatedTo   string
	Limit       int
}

func (r Repo) ListResources(ctx context.Context, f ResourceFilter) ([]domain.Resource, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.AccountID != "" {
		clauses = append(clauses, "account_id=?")
		args = append(args, f.AccountID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.DeployState != "" {
		clauses = append(clauses, "deploy_state=?")
		args = append(args, string(f.DeployState))
	}
	if f.UpdatedTo != "" {
		clauses = append(clauses, "updated_at<=?")
		args = append(args, f.UpdatedTo)
	}
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY kind ASC, name ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Resource
	for rows.Next() {
		item, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

// CountResources returns counts per deploy state for a kind in an account.
func (r Repo) CountResources(ctx context.Context, accountID, kind string) (map[domain.DeployState]int, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT deploy_state, count(*) FROM resources WHERE account_id=? AND kind=? GROUP BY deploy_state`), accountID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.DeployState]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[domain.DeployState(state)] = count
	}
	return res, rows.Err()
}

func encodeResource(res domain.Resource) (labels, annotations, spec string, err error) {
	if res.Labels == nil {
		res.Labels = map[string]string{}
	}
	if res.Annotations == nil {
		res.Annotations = map[string]string{}
	}
	if res.Spec == nil {
		res.Spec = map[string]any{}
	}
	if labels, err = encodeJSON(res.Labels); err != nil {
		return
	}
	if annotations, err = encodeJSON(res.Annotations); err != nil {
		return
	}
	spec, err = encodeJSON(res.Spec)
	return
}
