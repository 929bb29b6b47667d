package edgar

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrTickerUnknown reports a symbol absent from the SEC symbology file.
var ErrTickerUnknown = eris.New("edgar: ticker not in SEC symbology")

// TickerRow is one entry of the SEC symbology file, used for the periodic
// ticker claim refresh and ticker→CIK lookups.
type TickerRow struct {
	CIK      int64
	Name     string
	Ticker   string
	Exchange string
}

// FetchTickerTable downloads company_tickers_exchange.json, a columnar
// document: {"fields":["cik","name","ticker","exchange"],"data":[[...],...]}.
func (c *Client) FetchTickerTable(ctx context.Context) ([]TickerRow, error) {
	body, err := c.GetJSON(ctx, CompanyTickers)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Fields []string        `json:"fields"`
		Data   [][]interface{} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, eris.Wrap(err, "edgar: parse ticker table")
	}

	col := make(map[string]int, len(payload.Fields))
	for i, f := range payload.Fields {
		col[f] = i
	}
	for _, required := range []string{"cik", "name", "ticker", "exchange"} {
		if _, ok := col[required]; !ok {
			return nil, eris.Errorf("edgar: ticker table missing column %q", required)
		}
	}

	rows := make([]TickerRow, 0, len(payload.Data))
	for _, rec := range payload.Data {
		if len(rec) < len(payload.Fields) {
			continue
		}
		cik, ok := rec[col["cik"]].(float64)
		if !ok {
			continue
		}
		rows = append(rows, TickerRow{
			CIK:      int64(cik),
			Name:     asString(rec[col["name"]]),
			Ticker:   asString(rec[col["ticker"]]),
			Exchange: asString(rec[col["exchange"]]),
		})
	}
	return rows, nil
}

// LookupCIKByTicker scans the symbology file for a ticker. Callers that need
// many lookups should load the table once and index it themselves.
func (c *Client) LookupCIKByTicker(ctx context.Context, ticker string) (string, error) {
	rows, err := c.FetchTickerTable(ctx)
	if err != nil {
		return "", err
	}
	for _, row := range rows {
		if strings.EqualFold(row.Ticker, ticker) {
			return PadCIK(strconv.FormatInt(row.CIK, 10)), nil
		}
	}
	return "", eris.Wrapf(ErrTickerUnknown, "ticker %s", ticker)
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
