package store

import (
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dukerupert/tillscan/internal/model"
)

type ProductStore struct {
	db *sql.DB
}

func NewProductStore(db *sql.DB) *ProductStore {
	return &ProductStore{db: db}
}

func scanProduct(scanner interface{ Scan(...any) error }) (*model.Product, error) {
	var p model.Product
	err := scanner.Scan(&p.Barcode, &p.Name, &p.PriceCents, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const productCols = `barcode, name, price_cents, stock, created_at, updated_at`

// GetByBarcode returns the product, or nil if the barcode is not catalogued.
func (s *ProductStore) GetByBarcode(barcode string) (*model.Product, error) {
	row := s.db.QueryRow(`SELECT `+productCols+` FROM products WHERE barcode = ?`, strings.TrimSpace(barcode))
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// Upsert inserts the product or updates name, price and stock of an existing
// barcode.
func (s *ProductStore) Upsert(barcode, name string, priceCents, stock int64) (*model.Product, error) {
	if err := upsert(s.db, barcode, name, priceCents, stock); err != nil {
		return nil, err
	}
	return s.GetByBarcode(barcode)
}

func (s *ProductStore) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return n, nil
}

func (s *ProductStore) Delete(barcode string) error {
	_, err := s.db.Exec(`DELETE FROM products WHERE barcode = ?`, barcode)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	return nil
}

// ImportCSV upserts rows of "barcode,name,price[,stock]" in one transaction.
// A header row starting with "barcode" is skipped. Price is a decimal amount
// with at most two fraction digits.
func (s *ProductStore) ImportCSV(r io.Reader) (int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	n := 0
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read csv: %w", err)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "barcode") {
			continue
		}
		if len(rec) < 3 {
			return 0, fmt.Errorf("line %d: want barcode,name,price[,stock]", line)
		}

		price, err := ParsePrice(rec[2])
		if err != nil {
			return 0, fmt.Errorf("line %d: %w", line, err)
		}
		var stock int64
		if len(rec) > 3 && strings.TrimSpace(rec[3]) != "" {
			stock, err = strconv.ParseInt(strings.TrimSpace(rec[3]), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("line %d: stock: %w", line, err)
			}
		}

		if err := upsert(tx, rec[0], rec[1], price, stock); err != nil {
			return 0, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	return n, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsert(db execer, barcode, name string, priceCents, stock int64) error {
	barcode = strings.TrimSpace(barcode)
	name = strings.TrimSpace(name)
	if barcode == "" || name == "" {
		return errors.New("barcode and name are required")
	}
	if priceCents < 0 {
		return errors.New("price must not be negative")
	}

	_, err := db.Exec(
		`INSERT INTO products (barcode, name, price_cents, stock) VALUES (?, ?, ?, ?)
		 ON CONFLICT(barcode) DO UPDATE SET
		   name = excluded.name,
		   price_cents = excluded.price_cents,
		   stock = excluded.stock,
		   updated_at = CURRENT_TIMESTAMP`,
		barcode, name, priceCents, stock,
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// ParsePrice converts "12", "12.5" or "12.50" to cents.
func ParsePrice(s string) (int64, error) {
	s = strings.TrimSpace(s)
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" || len(frac) > 2 {
		return 0, fmt.Errorf("invalid price %q", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseUint(whole, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q", s)
	}
	f, err := strconv.ParseUint(frac, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q", s)
	}
	return int64(w)*100 + int64(f), nil
}
