// Package extract turns a product photo into ProductInfo. Backends live in
// subpackages; they share the outputs interpretation in ParseOutputs.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// Prompt is used by backends that talk to a model directly.
const Prompt = `You are looking at a photo of a piece of furniture or a household appliance,
or of its product label. Identify the product and respond with a single JSON object
and nothing else, using exactly these keys:
{"product_name": "", "manufacturer": "", "model_number": "", "price": null,
 "official_page": "", "manual_link": ""}
price is the typical retail price as a number, or null if unknown.
Use empty strings for anything you cannot determine.`

// ErrNoProductInfo is returned when workflow outputs do not contain anything
// that can be read as ProductInfo.
var ErrNoProductInfo = errors.New("no valid product information in workflow outputs")

type Extractor interface {
	Extract(ctx context.Context, r io.Reader, filename, user string) (*ProductInfo, error)
}

type ProductInfo struct {
	ProductName  string `json:"product_name"`
	Manufacturer string `json:"manufacturer"`
	ModelNumber  string `json:"model_number"`
	Price        Price  `json:"price"`
	OfficialPage string `json:"official_page"`
	ManualLink   string `json:"manual_link"`
}

// Price is an optional amount. It decodes from a JSON number, a string such as
// "¥12,800" or "$1,299.99", or null. Strings with no usable number decode as
// unset rather than failing.
type Price struct {
	Amount float64
	Valid  bool
}

func (p Price) MarshalJSON() ([]byte, error) {
	if !p.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(p.Amount)
}

func (p *Price) UnmarshalJSON(b []byte) error {
	*p = Price{}
	s := strings.TrimSpace(string(b))
	switch {
	case s == "" || s == "null":
		return nil
	case s[0] == '"':
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		if f, ok := parseAmount(str); ok {
			*p = Price{Amount: f, Valid: true}
		}
		return nil
	}

	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("invalid price %s: %w", s, err)
	}
	*p = Price{Amount: f, Valid: true}
	return nil
}

// parseAmount reads the first number in s, such as "¥12,800", "$1,299.99" or
// "approx. 45 USD". Commas are accepted only as thousands separators. Input
// that names more than one number, like a range, or uses a decimal comma
// ("1.299,00") is ambiguous and reported as unparsable.
func parseAmount(s string) (float64, bool) {
	start := strings.IndexFunc(s, isDigit)
	if start < 0 {
		return 0, false
	}
	end := start
	for end < len(s) && (isDigit(rune(s[end])) || s[end] == ',' || s[end] == '.') {
		end++
	}
	token := strings.TrimRight(s[start:end], ",.")
	if strings.IndexFunc(s[start+len(token):], isDigit) >= 0 {
		return 0, false
	}

	number, ok := normalizeSeparators(token)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, false
	}
	if start > 0 && s[start-1] == '-' {
		f = -f
	}
	return f, true
}

// normalizeSeparators strips thousands separators from token. Every comma
// must be followed by exactly three digits, and a decimal point may only
// appear once, after the last comma.
func normalizeSeparators(token string) (string, bool) {
	intPart, frac, hasFrac := strings.Cut(token, ".")
	if hasFrac && (frac == "" || strings.ContainsAny(frac, ",.")) {
		return "", false
	}
	groups := strings.Split(intPart, ",")
	for i, g := range groups {
		if g == "" || (i > 0 && len(g) != 3) {
			return "", false
		}
	}
	number := strings.Join(groups, "")
	if hasFrac {
		number += "." + frac
	}
	return number, true
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

// ParseOutputs reads ProductInfo from workflow outputs, trying in order:
// outputs.result as an object, outputs.result as a JSON string, and finally
// product fields at the top level of outputs.
func ParseOutputs(outputs map[string]any, logger *slog.Logger) (*ProductInfo, error) {
	switch result := outputs["result"].(type) {
	case map[string]any:
		info, err := fromValue(result)
		if err == nil {
			return info, nil
		}
		logger.Error("failed to read result object", "error", err)
	case string:
		if result != "" {
			var info ProductInfo
			err := json.Unmarshal([]byte(result), &info)
			if err == nil {
				return &info, nil
			}
			logger.Error("failed to parse result as JSON", "error", err)
		}
	}

	if hasProductFields(outputs) {
		info, err := fromValue(outputs)
		if err == nil {
			return info, nil
		}
		logger.Error("failed to read outputs", "error", err)
	}

	logger.Error("unexpected workflow outputs", "outputs", outputs)
	return nil, ErrNoProductInfo
}

func hasProductFields(outputs map[string]any) bool {
	for _, key := range []string{"product_name", "manufacturer", "model_number"} {
		if s, ok := outputs[key].(string); ok && s != "" {
			return true
		}
	}
	return false
}

// fromValue converts an already decoded JSON object into ProductInfo.
func fromValue(v map[string]any) (*ProductInfo, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var info ProductInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// StripCodeFence removes a surrounding Markdown code fence, which models
// often add around JSON despite being asked not to.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
