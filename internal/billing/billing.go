// Package billing loads bill-of-lading records from YAML files so they can
// be seeded into the store.
package billing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/iqstrade/payinbox/internal/fields"
	"github.com/iqstrade/payinbox/internal/store"
)

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

// Entry is one bill as written in a bills file. Fees are strings so that
// "1,200.00" and "$80" both read.
type Entry struct {
	BLNumber      string `yaml:"bl_number"`
	CTNFee        string `yaml:"ctn_fee"`
	ServiceFee    string `yaml:"service_fee"`
	Status        string `yaml:"status,omitempty"`
	InvoiceURL    string `yaml:"invoice_url,omitempty"`
	CTNNumber     string `yaml:"ctn_number,omitempty"`
	PaymentMethod string `yaml:"payment_method,omitempty"`
}

type File struct {
	Bills []Entry `yaml:"bills"`
}

func LoadFromFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bills file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse bills file: %w", err)
	}
	return &f, nil
}

func LoadFromDir(dir string) (*File, error) {
	f := &File{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read bills directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".yaml") && !strings.HasSuffix(entry.Name(), ".yml") {
			continue
		}

		partial, err := LoadFromFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", entry.Name(), err)
		}
		f.Bills = append(f.Bills, partial.Bills...)
	}
	return f, nil
}

// Load reads path as a file or, if it is a directory, every YAML file in it.
func Load(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return LoadFromDir(path)
	}
	return LoadFromFile(path)
}

// Bills converts the entries, rejecting any without a BL number or with a
// fee that isn't a number. Invoice links that aren't http(s) are dropped.
func (f *File) Bills() ([]store.Bill, error) {
	seen := make(map[string]bool, len(f.Bills))
	bills := make([]store.Bill, 0, len(f.Bills))
	for i, e := range f.Bills {
		bl := strings.TrimSpace(e.BLNumber)
		if bl == "" {
			return nil, fmt.Errorf("bill %d: bl_number is required", i+1)
		}
		if seen[bl] {
			return nil, fmt.Errorf("bill %s: listed twice", bl)
		}
		seen[bl] = true

		ctn := fields.ParseAmount(e.CTNFee)
		service := fields.ParseAmount(e.ServiceFee)
		if !ctn.Valid || !service.Valid {
			return nil, fmt.Errorf("bill %s: ctn_fee and service_fee must be amounts", bl)
		}

		b := store.Bill{
			BLNumber:      bl,
			CTNFee:        ctn.Decimal,
			ServiceFee:    service.Decimal,
			Status:        e.Status,
			InvoiceURL:    e.InvoiceURL,
			CTNNumber:     e.CTNNumber,
			PaymentMethod: e.PaymentMethod,
		}
		if !isValidURL(b.InvoiceURL) {
			b.InvoiceURL = ""
		}
		if b.Status == "" {
			b.Status = store.StatusInvoiced
		}
		bills = append(bills, b)
	}
	return bills, nil
}

type Adder interface {
	AddBill(ctx context.Context, b *store.Bill) error
}

// Import upserts every bill and returns how many were written.
func Import(ctx context.Context, a Adder, bills []store.Bill) (int, error) {
	for i := range bills {
		if err := a.AddBill(ctx, &bills[i]); err != nil {
			return i, fmt.Errorf("failed to import %s: %w", bills[i].BLNumber, err)
		}
	}
	return len(bills), nil
}
