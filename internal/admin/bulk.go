package admin

import (
	"encoding/base64"
	"fmt"
	"strings"

	"nitro-bot/internal/repo"

	"github.com/shopspring/decimal"
)

const maxCategoryLen = 48

// productInput is one product of a bulk upload. Content is delivered as text
// unless ContentBase64 carries a file.
type productInput struct {
	Name          string          `json:"name" validate:"required,max=128"`
	Category      string          `json:"category" validate:"required,max=48"`
	Price         decimal.Decimal `json:"price"`
	Content       string          `json:"content" validate:"required_without=ContentBase64"`
	ContentBase64 string          `json:"content_base64" validate:"omitempty,base64"`
	FileName      string          `json:"file_name" validate:"omitempty,max=128"`
}

type bulkRequest struct {
	Products []productInput `json:"products" validate:"required_without=Lines,dive"`
	Lines    string         `json:"lines"`
}

// parseLines reads name|category|price|content rows. Blank lines and lines
// starting with # are skipped.
func parseLines(raw string) ([]productInput, error) {
	var out []productInput
	for i, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("line %d: want name|category|price|content", i+1)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid price %q", i+1, parts[2])
		}
		out = append(out, productInput{
			Name:     strings.TrimSpace(parts[0]),
			Category: strings.TrimSpace(parts[1]),
			Price:    price,
			Content:  strings.TrimSpace(parts[3]),
		})
	}
	return out, nil
}

// checkProduct applies the rules the struct tags cannot express.
func checkProduct(p productInput) error {
	if !p.Price.IsPositive() {
		return fmt.Errorf("%s: price must be positive", p.Name)
	}
	if !p.Price.Equal(p.Price.Round(2)) {
		return fmt.Errorf("%s: price has more than two decimals", p.Name)
	}
	if p.Name == "" || p.Category == "" {
		return fmt.Errorf("name and category are required")
	}
	if len(p.Category) > maxCategoryLen {
		return fmt.Errorf("%s: category longer than %d bytes", p.Name, maxCategoryLen)
	}
	if p.Content == "" && p.ContentBase64 == "" {
		return fmt.Errorf("%s: content is required", p.Name)
	}
	return nil
}

// payload returns the bytes to seal and the delivery kind.
func (p productInput) payload() ([]byte, repo.ContentKind, error) {
	if p.ContentBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(p.ContentBase64)
		if err != nil {
			return nil, "", fmt.Errorf("%s: decode content: %w", p.Name, err)
		}
		return data, repo.ContentFile, nil
	}
	return []byte(p.Content), repo.ContentText, nil
}
