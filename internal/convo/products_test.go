package convo

import (
	"strings"
	"testing"

	"nitro-bot/internal/repo"

	"github.com/shopspring/decimal"
)

func TestParseAmountAcceptsCommonForms(t *testing.T) {
	cases := map[string]string{
		"25":        "25",
		"25.50":     "25.5",
		"$25":       "25",
		" 25,5 USD": "25.5",
		"10usd":     "10",
	}
	for in, want := range cases {
		got, err := parseAmount(in)
		if err != nil {
			t.Fatalf("parseAmount(%q) error: %v", in, err)
		}
		if got.String() != want {
			t.Fatalf("parseAmount(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestParseAmountRejectsText(t *testing.T) {
	for _, in := range []string{"", "ten", "abc 10", "10 20", "1.234", "-5"} {
		if _, err := parseAmount(in); err == nil {
			t.Fatalf("parseAmount(%q) expected error", in)
		}
	}
}

func TestProductButtonsUseBuyPrefix(t *testing.T) {
	kb := productButtons([]repo.Product{
		{ID: 7, Name: "Guide", Price: decimal.RequireFromString("5")},
	})
	if len(kb) != 1 || kb[0][0].Data != "buy_7" {
		t.Fatalf("unexpected keyboard: %+v", kb)
	}
	if !strings.Contains(kb[0][0].Label, "5.00 credits") {
		t.Fatalf("label missing price: %q", kb[0][0].Label)
	}
}

func TestCategoryButtonsSkipOversizedData(t *testing.T) {
	kb := categoryButtons([]string{"ebooks", strings.Repeat("x", 80)})
	if len(kb) != 1 || kb[0][0].Data != "category_ebooks" {
		t.Fatalf("unexpected keyboard: %+v", kb)
	}
}

func TestMainMenuAdminButton(t *testing.T) {
	if len(mainMenu(repo.RoleUser)) != 3 {
		t.Fatal("user menu should have three rows")
	}
	if len(mainMenu(repo.RoleOwner)) != 4 {
		t.Fatal("owner menu should include admin")
	}
}
