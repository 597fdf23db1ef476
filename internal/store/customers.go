package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// Customer is a CRM contact that audience filters match against.
type Customer struct {
	ID       string   `yaml:"customer_id" json:"customer_id"`
	Name     string   `yaml:"name" json:"name"`
	Gender   string   `yaml:"gender" json:"gender"`
	AgeBand  string   `yaml:"age_band" json:"age_band"`
	SkinType string   `yaml:"skin_type" json:"skin_type"`
	Concerns []string `yaml:"concerns" json:"concerns"`
}

// CustomerFilter narrows ListCustomers. Empty slices match everything; a
// customer matches Concerns when it carries at least one listed code.
type CustomerFilter struct {
	Genders   []string
	AgeBands  []string
	SkinTypes []string
	Concerns  []string
}

// UpsertCustomers inserts or replaces customers in one transaction.
func (s *Store) UpsertCustomers(ctx context.Context, customers []Customer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range customers {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("customer_id is required")
		}
		concernsJSON, err := json.Marshal(c.Concerns)
		if err != nil {
			return fmt.Errorf("marshal concerns: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO customers (customer_id, name, gender, age_band, skin_type, concerns_json)
			VALUES (?, ?, ?, ?, ?, ?)
		`, c.ID, c.Name, c.Gender, c.AgeBand, c.SkinType, string(concernsJSON))
		if err != nil {
			return fmt.Errorf("upsert customer %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListCustomers returns customers matching filter ordered by id.
func (s *Store) ListCustomers(ctx context.Context, filter CustomerFilter) ([]Customer, error) {
	var conds []string
	var args []any
	addIn := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		conds = append(conds, fmt.Sprintf("%s IN (%s)", column, marks))
		for _, v := range values {
			args = append(args, v)
		}
	}
	addIn("gender", filter.Genders)
	addIn("age_band", filter.AgeBands)
	addIn("skin_type", filter.SkinTypes)

	query := "SELECT customer_id, name, gender, age_band, skin_type, concerns_json FROM customers"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY customer_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query customers: %w", err)
	}
	defer rows.Close()

	wanted := make(map[string]struct{}, len(filter.Concerns))
	for _, code := range filter.Concerns {
		wanted[code] = struct{}{}
	}

	var out []Customer
	for rows.Next() {
		var c Customer
		var name, gender, ageBand, skinType, concernsJSON sql.NullString
		if err := rows.Scan(&c.ID, &name, &gender, &ageBand, &skinType, &concernsJSON); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		c.Name = name.String
		c.Gender = gender.String
		c.AgeBand = ageBand.String
		c.SkinType = skinType.String
		if concernsJSON.Valid && concernsJSON.String != "" {
			if err := json.Unmarshal([]byte(concernsJSON.String), &c.Concerns); err != nil {
				return nil, fmt.Errorf("customer %s concerns: %w", c.ID, err)
			}
		}
		if len(wanted) > 0 && !hasAny(c.Concerns, wanted) {
			continue
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate customers: %w", err)
	}
	return out, nil
}

// CountCustomers returns the size of the customer base.
func (s *Store) CountCustomers(ctx context.Context) (int, error) {
	return countCustomers(ctx, s.db)
}

func countCustomers(ctx context.Context, q querier) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM customers").Scan(&n); err != nil {
		return 0, fmt.Errorf("count customers: %w", err)
	}
	return n, nil
}

func hasAny(codes []string, wanted map[string]struct{}) bool {
	for _, code := range codes {
		if _, ok := wanted[code]; ok {
			return true
		}
	}
	return false
}
