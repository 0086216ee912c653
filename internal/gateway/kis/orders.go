package kis

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"kistra/internal/logger"
	"kistra/internal/types"
)

const fillPollInterval = 2 * time.Second

// PlaceBuy submits a cash buy order. price 0 means market order. Submissions
// are never auto-retried; a duplicate submit risks a duplicate fill.
func (c *Client) PlaceBuy(ctx context.Context, symbol string, qty int64, price float64) (PlaceResult, error) {
	return c.placeOrder(ctx, types.SideBuy, symbol, qty, price)
}

// PlaceSell submits a cash sell order. price 0 means market order.
func (c *Client) PlaceSell(ctx context.Context, symbol string, qty int64, price float64) (PlaceResult, error) {
	return c.placeOrder(ctx, types.SideSell, symbol, qty, price)
}

func (c *Client) placeOrder(ctx context.Context, side types.Side, symbol string, qty int64, price float64) (PlaceResult, error) {
	if qty <= 0 {
		return PlaceResult{}, &BrokerError{Op: "order", Err: fmt.Errorf("quantity must be positive, got %d", qty)}
	}
	orderType := "01" // market
	unitPrice := "0"
	if price > 0 {
		orderType = "00" // limit
		unitPrice = strconv.FormatInt(int64(price), 10)
	}
	payload := map[string]string{
		"CANO":         c.accountNo,
		"ACNT_PRDT_CD": c.accountProduct,
		"PDNO":         symbol,
		"ORD_DVSN":     orderType,
		"ORD_QTY":      strconv.FormatInt(qty, 10),
		"ORD_UNPR":     unitPrice,
	}
	op := "buy"
	if side == types.SideSell {
		op = "sell"
	}
	logger.Infof("kis: submitting %s order symbol=%s qty=%d price=%s", op, symbol, qty, unitPrice)

	parsed, err := c.doRequest(ctx, op, http.MethodPost,
		"/uapi/domestic-stock/v1/trading/order-cash", c.trID(op), nil, payload)
	if err != nil {
		if IsTransient(err) {
			return PlaceResult{}, err
		}
		// API-level rejection: report as not accepted rather than error so
		// the synchronizer records a terminal FAILED state.
		return PlaceResult{Accepted: false, Message: err.Error(), Raw: []byte(parsed.Raw)}, nil
	}
	orderNo := parsed.Get("output.ODNO").String()
	if orderNo == "" {
		return PlaceResult{Accepted: false, Message: "no order number in response", Raw: []byte(parsed.Raw)}, nil
	}
	return PlaceResult{
		Accepted: true,
		OrderNo:  orderNo,
		Message:  parsed.Get("msg1").String(),
		Raw:      []byte(parsed.Raw),
	}, nil
}

// GetOrderStatus looks up today's execution ledger for one order number.
func (c *Client) GetOrderStatus(ctx context.Context, orderNo string) (OrderStatus, bool, error) {
	today := c.now().Format("20060102")
	query := url.Values{}
	query.Set("CANO", c.accountNo)
	query.Set("ACNT_PRDT_CD", c.accountProduct)
	query.Set("INQR_STRT_DT", today)
	query.Set("INQR_END_DT", today)
	query.Set("SLL_BUY_DVSN_CD", "00")
	query.Set("INQR_DVSN", "00")
	query.Set("PDNO", "")
	query.Set("CCLD_DVSN", "00")
	query.Set("ORD_GNO_BRNO", "")
	query.Set("ODNO", orderNo)
	query.Set("INQR_DVSN_3", "00")
	query.Set("INQR_DVSN_1", "")
	query.Set("CTX_AREA_FK100", "")
	query.Set("CTX_AREA_NK100", "")

	parsed, err := c.doRequestRetry(ctx, "status", http.MethodGet,
		"/uapi/domestic-stock/v1/trading/inquire-daily-ccld", c.trID("status"), query, nil)
	if err != nil {
		return OrderStatus{}, false, err
	}
	for _, row := range parsed.Get("output1").Array() {
		if row.Get("odno").String() != orderNo {
			continue
		}
		side := types.SideSell
		if row.Get("sll_buy_dvsn_cd").String() == "02" {
			side = types.SideBuy
		}
		ordQty := row.Get("ord_qty").Int()
		filled := row.Get("tot_ccld_qty").Int()
		return OrderStatus{
			OrderNo:    orderNo,
			Symbol:     row.Get("pdno").String(),
			Side:       side,
			OrderQty:   ordQty,
			FilledQty:  filled,
			RemainQty:  ordQty - filled,
			OrderPrice: row.Get("ord_unpr").Float(),
			AvgPrice:   row.Get("avg_prvs").Float(),
		}, true, nil
	}
	return OrderStatus{}, false, nil
}

// WaitForExecution polls the execution ledger until the order fills or the
// timeout elapses. On timeout the remainder is cancelled; the result is
// CANCELLED, or PARTIAL when the post-cancel query shows any fill.
func (c *Client) WaitForExecution(ctx context.Context, orderNo string, expectedQty int64, timeout time.Duration) (ExecResult, error) {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	deadline := c.now().Add(timeout)
	var lastFilled int64

	for c.now().Before(deadline) {
		status, found, err := c.GetOrderStatus(ctx, orderNo)
		if err != nil {
			if ctx.Err() != nil {
				return ExecResult{Status: FillTimeout, FilledQty: lastFilled}, ctx.Err()
			}
			logger.Warnf("kis: fill check failed order=%s err=%v", orderNo, err)
		} else if found {
			if status.FilledQty >= expectedQty {
				logger.Infof("kis: order filled order=%s qty=%d avg=%.0f", orderNo, status.FilledQty, status.AvgPrice)
				return ExecResult{Status: FillFilled, FilledQty: status.FilledQty, AvgPrice: status.AvgPrice}, nil
			}
			if status.FilledQty > lastFilled {
				logger.Infof("kis: partial fill progressing order=%s %d/%d", orderNo, status.FilledQty, expectedQty)
				lastFilled = status.FilledQty
			}
		}
		select {
		case <-ctx.Done():
			return ExecResult{Status: FillTimeout, FilledQty: lastFilled}, ctx.Err()
		case <-time.After(fillPollInterval):
		}
	}

	logger.Warnf("kis: execution timeout order=%s after %s", orderNo, timeout)
	status, found, err := c.GetOrderStatus(ctx, orderNo)
	if err != nil || !found {
		if cancelErr := c.CancelOrder(ctx, orderNo); cancelErr != nil {
			logger.Warnf("kis: cancel after timeout failed order=%s err=%v", orderNo, cancelErr)
		}
		return ExecResult{Status: FillTimeout, FilledQty: lastFilled,
			Message: fmt.Sprintf("timeout, last observed fill %d", lastFilled)}, nil
	}
	if status.FilledQty > 0 {
		if status.RemainQty > 0 {
			if cancelErr := c.CancelOrder(ctx, orderNo); cancelErr != nil {
				logger.Warnf("kis: remainder cancel failed order=%s err=%v", orderNo, cancelErr)
			}
		}
		return ExecResult{Status: FillPartial, FilledQty: status.FilledQty, AvgPrice: status.AvgPrice,
			Message: fmt.Sprintf("partial fill %d/%d, remainder cancelled", status.FilledQty, expectedQty)}, nil
	}
	if cancelErr := c.CancelOrder(ctx, orderNo); cancelErr != nil {
		logger.Warnf("kis: cancel failed order=%s err=%v", orderNo, cancelErr)
	}
	return ExecResult{Status: FillCancelled, Message: "no fill, order cancelled"}, nil
}

// CancelOrder cancels the unfilled remainder of an order. Best effort.
func (c *Client) CancelOrder(ctx context.Context, orderNo string) error {
	payload := map[string]string{
		"CANO":               c.accountNo,
		"ACNT_PRDT_CD":       c.accountProduct,
		"KRX_FWDG_ORD_ORGNO": "",
		"ORGN_ODNO":          orderNo,
		"ORD_DVSN":           "00",
		"RVSE_CNCL_DVSN_CD":  "02",
		"ORD_QTY":            "0",
		"ORD_UNPR":           "0",
		"QTY_ALL_ORD_YN":     "Y",
	}
	_, err := c.doRequestRetry(ctx, "cancel", http.MethodPost,
		"/uapi/domestic-stock/v1/trading/order-rvsecncl", c.trID("cancel"), nil, payload)
	if err != nil {
		return err
	}
	logger.Infof("kis: order cancelled order=%s", orderNo)
	return nil
}

var _ Broker = (*Client)(nil)
