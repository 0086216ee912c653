package kis

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"kistra/internal/types"
)

// GetCurrentPrice returns the latest trade state for one symbol. A zero price
// means "no quote" and is surfaced as an error by callers that need one.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (types.Quote, error) {
	query := url.Values{}
	query.Set("FID_COND_MRKT_DIV_CODE", "J")
	query.Set("FID_INPUT_ISCD", symbol)

	parsed, err := c.doRequestRetry(ctx, "price", http.MethodGet,
		"/uapi/domestic-stock/v1/quotations/inquire-price", c.trID("price"), query, nil)
	if err != nil {
		return types.Quote{}, err
	}
	out := parsed.Get("output")
	q := types.Quote{
		Symbol:    symbol,
		Name:      out.Get("hts_kor_isnm").String(),
		Price:     out.Get("stck_prpr").Float(),
		Open:      out.Get("stck_oprc").Float(),
		High:      out.Get("stck_hgpr").Float(),
		Low:       out.Get("stck_lwpr").Float(),
		PrevClose: out.Get("stck_sdpr").Float(),
		Volume:    out.Get("acml_vol").Int(),
		ChangePct: out.Get("prdy_ctrt").Float(),
		MarketCap: out.Get("hts_avls").Int() * 100_000_000, // reported in hundred-million KRW
		Time:      c.now(),
	}
	return q, nil
}

// GetDailyOHLCV returns up to n daily bars in descending trading-day order.
// Rows with a non-positive close are dropped.
func (c *Client) GetDailyOHLCV(ctx context.Context, symbol string, n int) ([]types.DailyBar, error) {
	if n <= 0 {
		n = 100
	}
	end := c.now()
	// Calendar days roughly double trading days; over-fetch and trim.
	start := end.AddDate(0, 0, -(n*2 + 20))

	query := url.Values{}
	query.Set("FID_COND_MRKT_DIV_CODE", "J")
	query.Set("FID_INPUT_ISCD", symbol)
	query.Set("FID_INPUT_DATE_1", start.Format("20060102"))
	query.Set("FID_INPUT_DATE_2", end.Format("20060102"))
	query.Set("FID_PERIOD_DIV_CODE", "D")
	query.Set("FID_ORG_ADJ_PRC", "0")

	parsed, err := c.doRequestRetry(ctx, "daily", http.MethodGet,
		"/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice", c.trID("daily"), query, nil)
	if err != nil {
		return nil, err
	}
	rows := parsed.Get("output2").Array()
	bars := make([]types.DailyBar, 0, len(rows))
	for _, row := range rows {
		bar := types.DailyBar{
			Date:   row.Get("stck_bsop_date").String(),
			Open:   row.Get("stck_oprc").Float(),
			High:   row.Get("stck_hgpr").Float(),
			Low:    row.Get("stck_lwpr").Float(),
			Close:  row.Get("stck_clpr").Float(),
			Volume: row.Get("acml_vol").Int(),
		}
		if bar.Date == "" || bar.Close <= 0 {
			continue
		}
		bars = append(bars, bar)
		if len(bars) >= n {
			break
		}
	}
	if len(bars) == 0 {
		return nil, &BrokerError{Op: "daily", Err: fmt.Errorf("no bars for %s", symbol)}
	}
	return bars, nil
}

// GetAccountBalance returns cash plus per-symbol holdings. Results are cached
// in-process for a short window; cache hits are logged, never errors.
func (c *Client) GetAccountBalance(ctx context.Context) (types.Balance, error) {
	c.balanceMu.Lock()
	if !c.balanceCache.FetchedAt.IsZero() && c.now().Sub(c.balanceCache.FetchedAt) < c.balanceCacheAge {
		cached := c.balanceCache
		c.balanceMu.Unlock()
		return cached, nil
	}
	c.balanceMu.Unlock()

	query := url.Values{}
	query.Set("CANO", c.accountNo)
	query.Set("ACNT_PRDT_CD", c.accountProduct)
	query.Set("AFHR_FLPR_YN", "N")
	query.Set("OFL_YN", "")
	query.Set("INQR_DVSN", "02")
	query.Set("UNPR_DVSN", "01")
	query.Set("FUND_STTL_ICLD_YN", "N")
	query.Set("FNCG_AMT_AUTO_RDPT_YN", "N")
	query.Set("PRCS_DVSN", "00")
	query.Set("CTX_AREA_FK100", "")
	query.Set("CTX_AREA_NK100", "")

	parsed, err := c.doRequestRetry(ctx, "balance", http.MethodGet,
		"/uapi/domestic-stock/v1/trading/inquire-balance", c.trID("balance"), query, nil)
	if err != nil {
		return types.Balance{}, err
	}

	bal := types.Balance{FetchedAt: c.now()}
	for _, row := range parsed.Get("output1").Array() {
		qty := row.Get("hldg_qty").Int()
		if qty <= 0 {
			continue
		}
		bal.Holdings = append(bal.Holdings, types.Holding{
			Symbol:       row.Get("pdno").String(),
			Name:         row.Get("prdt_name").String(),
			Quantity:     qty,
			AvgPrice:     row.Get("pchs_avg_pric").Float(),
			CurrentPrice: row.Get("prpr").Float(),
		})
	}
	summary := parsed.Get("output2.0")
	bal.Cash = summary.Get("dnca_tot_amt").Float()
	bal.TotalEquity = summary.Get("tot_evlu_amt").Float()

	c.balanceMu.Lock()
	c.balanceCache = bal
	c.balanceMu.Unlock()
	return bal, nil
}
