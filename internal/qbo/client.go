// Package qbo is the QuickBooks Online accounting client: entity lookups
// with TTL caching and expense (Purchase) creation with the write-safety
// retry policy.
package qbo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"receiptwise/internal/audit"
	"receiptwise/internal/auth"
	"receiptwise/internal/cache"
	"receiptwise/internal/ratelimit"
	"receiptwise/internal/receipt"
)

// Lookup cache TTLs. Vendors churn more than accounts.
const (
	vendorTTL  = 10 * time.Minute
	accountTTL = 15 * time.Minute
)

// retryAfterCap bounds how long a 429 Retry-After is honored before the call
// fails instead of stalling the pipeline.
const retryAfterCap = 30 * time.Second

// Client talks to the QuickBooks Online v3 API for one realm.
type Client struct {
	base    string // e.g. https://sandbox-quickbooks.api.intuit.com
	realmID string
	tokens  *auth.Manager
	http    *http.Client
	limiter *ratelimit.Limiter
	cache   *cache.TTL
	auditor *audit.Logger
	logger  *zap.Logger

	// PaymentAccount is the bank/credit account expenses are paid from.
	PaymentAccount string
}

// NewClient wires the accounting client. realmID comes from the stored OAuth
// bundle.
func NewClient(base, realmID string, tokens *auth.Manager, limiter *ratelimit.Limiter, auditor *audit.Logger, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:           base,
		realmID:        realmID,
		tokens:         tokens,
		http:           &http.Client{Timeout: 30 * time.Second},
		limiter:        limiter,
		cache:          cache.New(),
		auditor:        auditor,
		logger:         logger,
		PaymentAccount: "Chequing",
	}
}

// SetHTTPClient overrides the transport. Tests only.
func (c *Client) SetHTTPClient(h *http.Client) { c.http = h }

// SetBase overrides the API base URL. Tests only.
func (c *Client) SetBase(base string) { c.base = base }

// entityRef is the {value, name} pair QuickBooks uses for references.
type entityRef struct {
	Value string `json:"value"`
	Name  string `json:"name,omitempty"`
}

// CreateExpense posts the categorized receipt as a Purchase, one expense
// line per processed item. Dry runs never reach this method.
func (c *Client) CreateExpense(ctx context.Context, correlationID string, cr *receipt.CategorizedReceipt) (string, error) {
	vendor, err := c.vendorRef(ctx, cr.Receipt.VendorName)
	if err != nil {
		return "", err
	}
	payAcct, err := c.accountRef(ctx, c.PaymentAccount)
	if err != nil {
		return "", err
	}

	type lineDetail struct {
		AccountRef entityRef `json:"AccountRef"`
	}
	type line struct {
		Amount      float64    `json:"Amount"`
		Description string     `json:"Description"`
		DetailType  string     `json:"DetailType"`
		Detail      lineDetail `json:"AccountBasedExpenseLineDetail"`
	}

	lines := make([]line, 0, len(cr.Items))
	for _, it := range cr.Items {
		acct, err := c.accountRef(ctx, accountNameFor(it))
		if err != nil {
			return "", err
		}
		amount, _ := it.OriginalAmount.Float64()
		lines = append(lines, line{
			Amount:      amount,
			Description: expenseLineMemo(it),
			DetailType:  "AccountBasedExpenseLineDetail",
			Detail:      lineDetail{AccountRef: acct},
		})
	}

	body := map[string]any{
		"PaymentType": "Cash",
		"AccountRef":  payAcct,
		"EntityRef":   vendor,
		"TxnDate":     cr.Receipt.TransactionDate,
		"PrivateNote": fmt.Sprintf("receiptwise %s", cr.CorrelationID),
		"Line":        lines,
	}
	if strings.EqualFold(cr.Receipt.PaymentMethod, "credit card") {
		body["PaymentType"] = "CreditCard"
	}

	var resp struct {
		Purchase struct {
			ID string `json:"Id"`
		} `json:"Purchase"`
	}
	// Once the write is initiated it runs to completion: canceling a POST
	// mid-flight could leave an orphaned Purchase we never learn the ID of.
	if err := c.call(context.WithoutCancel(ctx), http.MethodPost, "purchase", body, &resp); err != nil {
		return "", err
	}

	if c.auditor != nil {
		c.auditor.Emit(correlationID, audit.EventExpenseCreated, true, map[string]any{
			"purchase_id": resp.Purchase.ID,
			"vendor":      vendor.Name,
			"line_count":  len(lines),
		})
	}
	return resp.Purchase.ID, nil
}

// expenseLineMemo renders the per-line memo carried into the ledger: the item
// plus its deduction verdict and citations, so the books stay auditable.
func expenseLineMemo(it receipt.ProcessedItem) string {
	memo := fmt.Sprintf("%s [%s %d%%, deductible %s]",
		it.Description, it.Category, it.DeductibilityPercent, it.DeductibleAmount.StringFixed(2))
	if len(it.Citations) > 0 {
		memo += " refs: " + strings.Join(it.Citations, ", ")
	}
	return memo
}

// accountNameFor maps a category to the ledger account name. AccountHint from
// the rules engine wins when present.
func accountNameFor(it receipt.ProcessedItem) string {
	if it.AccountHint != "" {
		return it.AccountHint
	}
	switch it.Category {
	case receipt.TravelLodging, receipt.TravelTaxes:
		return "Travel"
	case receipt.TravelMeals, receipt.MealsEntertainment:
		return "Meals and Entertainment"
	case receipt.OfficeSupplies:
		return "Office Supplies"
	case receipt.FuelVehicle:
		return "Automobile"
	case receipt.CapitalEquipment:
		return "Equipment"
	case receipt.TaxGSTHST:
		return "GST/HST Payable"
	case receipt.ProfessionalServices:
		return "Professional Fees"
	default:
		return "Uncategorized Expense"
	}
}

// vendorRef resolves (or creates) the vendor by display name, cached.
func (c *Client) vendorRef(ctx context.Context, name string) (entityRef, error) {
	v, err := c.cache.GetOrCompute(ctx, "vendor:"+strings.ToLower(name), vendorTTL, func(ctx context.Context) (any, error) {
		ref, err := c.queryRef(ctx, "Vendor", "DisplayName", name)
		if err == nil && ref.Value != "" {
			return ref, nil
		}
		if err != nil {
			return entityRef{}, err
		}
		return c.createVendor(ctx, name)
	})
	if err != nil {
		return entityRef{}, err
	}
	return v.(entityRef), nil
}

// accountRef resolves an account by name, cached. Unknown accounts are an
// error, never auto-created; the chart of accounts belongs to the bookkeeper.
func (c *Client) accountRef(ctx context.Context, name string) (entityRef, error) {
	v, err := c.cache.GetOrCompute(ctx, "account:"+strings.ToLower(name), accountTTL, func(ctx context.Context) (any, error) {
		ref, err := c.queryRef(ctx, "Account", "Name", name)
		if err != nil {
			return entityRef{}, err
		}
		if ref.Value == "" {
			return entityRef{}, fmt.Errorf("account %q not found in chart of accounts", name)
		}
		return ref, nil
	})
	if err != nil {
		return entityRef{}, err
	}
	return v.(entityRef), nil
}

func (c *Client) queryRef(ctx context.Context, entity, field, value string) (entityRef, error) {
	q := fmt.Sprintf("select Id, %s from %s where %s = '%s'",
		field, entity, field, strings.ReplaceAll(value, "'", "\\'"))

	var resp struct {
		QueryResponse map[string]json.RawMessage `json:"QueryResponse"`
	}
	path := "query?query=" + url.QueryEscape(q)
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return entityRef{}, err
	}

	raw, ok := resp.QueryResponse[entity]
	if !ok {
		return entityRef{}, nil
	}
	var rows []struct {
		ID          string `json:"Id"`
		Name        string `json:"Name"`
		DisplayName string `json:"DisplayName"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil || len(rows) == 0 {
		return entityRef{}, err
	}
	name := rows[0].Name
	if name == "" {
		name = rows[0].DisplayName
	}
	return entityRef{Value: rows[0].ID, Name: name}, nil
}

func (c *Client) createVendor(ctx context.Context, name string) (entityRef, error) {
	var resp struct {
		Vendor struct {
			ID          string `json:"Id"`
			DisplayName string `json:"DisplayName"`
		} `json:"Vendor"`
	}
	err := c.call(ctx, http.MethodPost, "vendor", map[string]any{"DisplayName": name}, &resp)
	if err != nil {
		return entityRef{}, fmt.Errorf("create vendor %q: %w", name, err)
	}
	c.logger.Info("created vendor", zap.String("name", name), zap.String("id", resp.Vendor.ID))
	return entityRef{Value: resp.Vendor.ID, Name: resp.Vendor.DisplayName}, nil
}

// call performs one API request with the write-safety policy: a 401 forces a
// token refresh and retries once, a 429 honors Retry-After (capped) once, a
// 5xx retries once after a fixed backoff. Nothing else retries implicitly.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.doOnce(ctx, method, path, body)
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		drain(resp)
		if _, err := c.tokens.ForceRefresh(ctx); err != nil {
			return fmt.Errorf("token refresh after 401: %v: %w", err, receipt.ErrAuthExpired)
		}
		if resp, err = c.doOnce(ctx, method, path, body); err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return fmt.Errorf("still unauthorized after refresh: %w", receipt.ErrAuthExpired)
		}

	case resp.StatusCode == http.StatusTooManyRequests:
		wait := retryAfter(resp)
		drain(resp)
		if wait > retryAfterCap {
			return fmt.Errorf("retry-after %s exceeds cap: %w", wait, receipt.ErrUpstreamUnavailable)
		}
		c.logger.Warn("qbo rate limited", zap.Duration("retry_after", wait))
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate-limit wait: %w", receipt.ErrCanceled)
		case <-time.After(wait):
		}
		if resp, err = c.doOnce(ctx, method, path, body); err != nil {
			return err
		}

	case resp.StatusCode >= 500:
		drain(resp)
		select {
		case <-ctx.Done():
			return fmt.Errorf("backoff wait: %w", receipt.ErrCanceled)
		case <-time.After(time.Second):
		}
		if resp, err = c.doOnce(ctx, method, path, body); err != nil {
			return err
		}
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		kind := error(receipt.ErrUpstreamUnavailable)
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			kind = errors.New("request rejected")
		}
		return fmt.Errorf("qbo %s %s: status %d: %s: %w",
			method, path, resp.StatusCode, truncateBody(data), kind)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.CheckAndWait(ctx); err != nil {
			return nil, err
		}
	}
	token, err := c.tokens.GetValidAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}

	u := fmt.Sprintf("%s/v3/company/%s/%s", c.base, c.realmID, path)
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("qbo request: %w", receipt.ErrCanceled)
		}
		return nil, fmt.Errorf("qbo request: %v: %w", err, receipt.ErrUpstreamUnavailable)
	}
	return resp, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 2 * time.Second
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
}

func truncateBody(data []byte) string {
	const max = 300
	s := string(data)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
