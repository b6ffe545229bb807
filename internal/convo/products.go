package convo

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"nitro-bot/internal/repo"
	"nitro-bot/internal/telegram"

	"github.com/shopspring/decimal"
)

// Callback data is capped at 64 bytes by Telegram.
const maxCallbackData = 64

var (
	amountRegex = regexp.MustCompile(`(?i)^\$?\s*(\d+(?:[.,]\d{1,2})?)\s*(?:usd)?$`)

	errNotANumber = errors.New("not a number")
)

// parseAmount accepts "25", "25.50", "$25", "25,5 usd".
func parseAmount(text string) (decimal.Decimal, error) {
	m := amountRegex.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return decimal.Zero, errNotANumber
	}
	d, err := decimal.NewFromString(strings.Replace(m[1], ",", ".", 1))
	if err != nil {
		return decimal.Zero, errNotANumber
	}
	return d, nil
}

// parseID reads the numeric suffix of callback data such as "buy_12".
func parseID(data, prefix string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimPrefix(data, prefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func formatCredits(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func mainMenu(role repo.Role) telegram.Keyboard {
	kb := telegram.Keyboard{
		{{Label: "💰 Deposit", Data: actionDeposit}},
		{{Label: "📥 Buy Product", Data: actionCategories}},
		{{Label: "📊 Check Balance", Data: actionBalance}},
	}
	if role.CanAdminister() {
		kb = append(kb, []telegram.Button{{Label: "🔧 Admin", Data: actionAdmin}})
	}
	return kb
}

func depositMenu() telegram.Keyboard {
	return telegram.Keyboard{
		{{Label: "BTC", Data: actionDepositBTC}},
		{{Label: "Manual Deposit", Data: actionDepositManual}},
	}
}

func categoryButtons(categories []string) telegram.Keyboard {
	kb := make(telegram.Keyboard, 0, len(categories))
	for _, c := range categories {
		data := prefixCategory + c
		if len(data) > maxCallbackData {
			continue
		}
		kb = append(kb, []telegram.Button{{Label: c, Data: data}})
	}
	return kb
}

func productButtons(products []repo.Product) telegram.Keyboard {
	kb := make(telegram.Keyboard, 0, len(products))
	for _, p := range products {
		label := fmt.Sprintf("%s - %s credits", p.Name, formatCredits(p.Price))
		kb = append(kb, []telegram.Button{{Label: label, Data: fmt.Sprintf("%s%d", prefixBuy, p.ID)}})
	}
	return kb
}

func confirmButtons(productID int64) telegram.Keyboard {
	return telegram.Keyboard{{
		{Label: "✅ Confirm", Data: fmt.Sprintf("%s%d", prefixConfirm, productID)},
		{Label: "❌ Cancel", Data: actionCancel},
	}}
}
