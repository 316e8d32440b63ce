package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/sitedoc/sitedoc/internal/common/errors"
)

// Customer operations

// CreateCustomer creates a new customer account.
func (s *Store) CreateCustomer(ctx context.Context, customer *Customer) error {
	if customer.ID == "" {
		customer.ID = uuid.New().String()
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO customers (id, email, name, created_at)
		VALUES (?, ?, ?, ?)
	`), customer.ID, customer.Email, customer.Name, customer.CreatedAt)
	return err
}

// GetCustomer retrieves a customer by ID.
func (s *Store) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	customer := &Customer{}
	err := s.ro.GetContext(ctx, customer, s.rebind(`
		SELECT id, email, name, created_at FROM customers WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("customer", id)
	}
	if err != nil {
		return nil, err
	}
	return customer, nil
}

// GetCustomerByEmail retrieves a customer by email address.
func (s *Store) GetCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	customer := &Customer{}
	err := s.ro.GetContext(ctx, customer, s.rebind(`
		SELECT id, email, name, created_at FROM customers WHERE email = ?
	`), email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("customer", email)
	}
	if err != nil {
		return nil, err
	}
	return customer, nil
}

// Site operations

// CreateSite creates a new site under a customer.
func (s *Store) CreateSite(ctx context.Context, site *Site) error {
	if site.ID == "" {
		site.ID = uuid.New().String()
	}
	if site.CreatedAt.IsZero() {
		site.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sites (id, customer_id, name, url, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), site.ID, site.CustomerID, site.Name, site.URL, site.CreatedAt)
	return err
}

// GetSite retrieves a site by ID.
func (s *Store) GetSite(ctx context.Context, id string) (*Site, error) {
	site := &Site{}
	err := s.ro.GetContext(ctx, site, s.rebind(`
		SELECT id, customer_id, name, url, created_at FROM sites WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("site", id)
	}
	if err != nil {
		return nil, err
	}
	return site, nil
}

// ListSitesForCustomer returns a customer's sites ordered by creation time.
func (s *Store) ListSitesForCustomer(ctx context.Context, customerID string) ([]*Site, error) {
	var sites []*Site
	err := s.ro.SelectContext(ctx, &sites, s.rebind(`
		SELECT id, customer_id, name, url, created_at
		FROM sites WHERE customer_id = ? ORDER BY created_at ASC
	`), customerID)
	if err != nil {
		return nil, err
	}
	return sites, nil
}
