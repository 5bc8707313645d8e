package payment

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/config"
	"github.com/sirupsen/logrus"
)

// PayableEnvironmentURLs maps environment names to their IPG endpoint URLs
var PayableEnvironmentURLs = map[string]string{
	"dev":        "https://payable-ipg-dev.web.app/ipg/dev",
	"sandbox":    "https://sandboxipgpayment.payable.lk/ipg/sandbox",
	"production": "https://ipgpayment.payable.lk/ipg/pro",
}

// Payable is the PAYable IPG binding. It speaks the IPG JSON API directly.
type Payable struct {
	config *config.PayableConfig
	logger *logrus.Logger
	client *http.Client
}

// payablePaymentRequest is the request sent to PAYable IPG.
// merchantToken is never sent; it only feeds the check value.
type payablePaymentRequest struct {
	MerchantKey     string `json:"merchantKey"`
	LogoURL         string `json:"logoUrl,omitempty"`
	ReturnURL       string `json:"returnUrl"`
	WebhookURL      string `json:"webhookUrl,omitempty"`
	StatusReturnURL string `json:"statusReturnUrl,omitempty"`

	PaymentType      int    `json:"paymentType"` // 1 = one-time
	InvoiceID        string `json:"invoiceId"`
	Amount           string `json:"amount"`
	CurrencyCode     string `json:"currencyCode"`
	OrderDescription string `json:"orderDescription,omitempty"`

	CustomerFirstName   string `json:"customerFirstName"`
	CustomerLastName    string `json:"customerLastName"`
	CustomerEmail       string `json:"customerEmail"`
	CustomerMobilePhone string `json:"customerMobilePhone"`

	BillingAddressStreet      string `json:"billingAddressStreet"`
	BillingAddressCity        string `json:"billingAddressCity"`
	BillingAddressCountry     string `json:"billingAddressCountry"`
	BillingAddressPostcodeZip string `json:"billingAddressPostcodeZip"`

	CheckValue string `json:"checkValue"`

	IsMobilePayment    int    `json:"isMobilePayment"`
	IntegrationType    string `json:"integrationType"` // Max 20 chars
	IntegrationVersion string `json:"integrationVersion"`
}

type payablePaymentResponse struct {
	Status          string `json:"status"`
	UID             string `json:"uid"`
	StatusIndicator string `json:"statusIndicator"`
	PaymentPage     string `json:"paymentPage"`
	Message         string `json:"message,omitempty"`
}

type payableStatusRequest struct {
	UID             string `json:"uid"`
	StatusIndicator string `json:"statusIndicator"`
}

type payableStatusResponse struct {
	Status         string `json:"status"`
	PaymentStatus  string `json:"paymentStatus"` // "pending", "success", "failed", "cancelled"
	Amount         string `json:"amount"`
	CurrencyCode   string `json:"currencyCode"`
	RefundedAmount string `json:"refundedAmount,omitempty"`
	InvoiceID      string `json:"invoiceId"`
	Message        string `json:"message,omitempty"`
}

type payableRefundRequest struct {
	MerchantKey     string `json:"merchantKey"`
	UID             string `json:"uid"`
	StatusIndicator string `json:"statusIndicator"`
	Amount          string `json:"amount"`
	CheckValue      string `json:"checkValue"`
}

type payableRefundResponse struct {
	Status   string `json:"status"`
	RefundID string `json:"refundId"`
	Message  string `json:"message,omitempty"`
}

// payableWebhookPayload is the callback body; only the reference is trusted
type payableWebhookPayload struct {
	UID             string `json:"uid"`
	StatusIndicator string `json:"statusIndicator"`
	InvoiceID       string `json:"invoiceId"`
	PaymentStatus   string `json:"paymentStatus"`
}

// NewPayable creates the PAYable binding
func NewPayable(cfg *config.PayableConfig, client *http.Client, logger *logrus.Logger) *Payable {
	if client == nil {
		client = http.DefaultClient
	}
	return &Payable{config: cfg, logger: logger, client: client}
}

// Name implements Gateway
func (p *Payable) Name() string { return GatewayPayable }

// Idempotent implements Gateway. PAYable has no request deduplication.
func (p *Payable) Idempotent() bool { return false }

// IsConfigured returns true if merchant credentials are present
func (p *Payable) IsConfigured() bool {
	return p.config.MerchantKey != "" && p.config.MerchantToken != ""
}

// CheckValue creates the SHA-512 check value for PAYable authentication
// hash1 = SHA512(merchantToken), hash2 = SHA512("merchantKey|invoiceId|amount|currencyCode|hash1"), both uppercase hex
func (p *Payable) CheckValue(invoiceID, amount, currencyCode string) string {
	hash1 := sha512.Sum512([]byte(p.config.MerchantToken))
	hash1Hex := strings.ToUpper(hex.EncodeToString(hash1[:]))

	data := fmt.Sprintf("%s|%s|%s|%s|%s",
		p.config.MerchantKey,
		invoiceID,
		amount,
		currencyCode,
		hash1Hex,
	)
	hash2 := sha512.Sum512([]byte(data))
	return strings.ToUpper(hex.EncodeToString(hash2[:]))
}

// CreateIntent implements Gateway
func (p *Payable) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if !p.IsConfigured() {
		return nil, ErrNotConfigured
	}

	amount := FormatMinorUnits(req.Amount)
	firstName, lastName := splitName(req.Payer.Name)

	returnURL := req.Payer.ReturnURL
	if returnURL == "" {
		returnURL = p.config.ReturnURL
	}
	phone := req.Payer.Phone
	if phone == "" {
		phone = "0770000000"
	}
	email := req.Payer.Email
	if email == "" {
		email = "payer@chillconnect.app"
	}

	endpoint := p.endpoint()
	body := &payablePaymentRequest{
		MerchantKey:               p.config.MerchantKey,
		LogoURL:                   p.config.LogoURL,
		ReturnURL:                 returnURL,
		WebhookURL:                p.config.WebhookURL,
		StatusReturnURL:           endpoint + "/status-view",
		PaymentType:               1,
		InvoiceID:                 req.InvoiceID,
		Amount:                    amount,
		CurrencyCode:              req.Currency,
		OrderDescription:          req.Description,
		CustomerFirstName:         firstName,
		CustomerLastName:          lastName,
		CustomerEmail:             email,
		CustomerMobilePhone:       phone,
		BillingAddressStreet:      "N/A",
		BillingAddressCity:        "Colombo",
		BillingAddressCountry:     "LK",
		BillingAddressPostcodeZip: "00000",
		CheckValue:                p.CheckValue(req.InvoiceID, amount, req.Currency),
		IsMobilePayment:           0,
		IntegrationType:           "ChillConnect",
		IntegrationVersion:        "1.0.0",
	}

	p.logger.WithFields(logrus.Fields{
		"invoice_id": req.InvoiceID,
		"booking_id": req.BookingID,
		"amount":     amount,
		"currency":   req.Currency,
	}).Info("Initiating PAYable payment")

	var resp payablePaymentResponse
	if err := p.post(ctx, endpoint, body, &resp); err != nil {
		return nil, err
	}

	// PAYable answers "PENDING" when the payment page is ready, "success" in some cases
	if !strings.EqualFold(resp.Status, "success") && !strings.EqualFold(resp.Status, "pending") {
		msg := resp.Message
		if msg == "" {
			msg = "status=" + resp.Status
		}
		return nil, fmt.Errorf("payment initiation failed: %s", msg)
	}
	if resp.PaymentPage == "" || resp.UID == "" {
		return nil, fmt.Errorf("payment initiation failed: incomplete response")
	}

	return &Intent{
		Ref:         resp.UID + "|" + resp.StatusIndicator,
		RedirectURL: resp.PaymentPage,
		RawStatus:   resp.Status,
	}, nil
}

// VerifyStatus implements Gateway
func (p *Payable) VerifyStatus(ctx context.Context, intentRef string) (*Verification, error) {
	uid, indicator, err := splitPayableRef(intentRef)
	if err != nil {
		return nil, err
	}

	var resp payableStatusResponse
	statusURL := strings.Replace(p.endpoint(), "/ipg/", "/check-status/", 1)
	if err := p.post(ctx, statusURL, &payableStatusRequest{UID: uid, StatusIndicator: indicator}, &resp); err != nil {
		return nil, err
	}

	status, err := MapPayableStatus(resp.PaymentStatus)
	if err != nil {
		return nil, err
	}

	v := &Verification{Status: status, Currency: resp.CurrencyCode, RawStatus: resp.PaymentStatus}
	if resp.Amount != "" {
		if v.PaidAmount, err = ParseMinorUnits(resp.Amount); err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", resp.Amount, err)
		}
	}
	if resp.RefundedAmount != "" {
		refunded, err := ParseMinorUnits(resp.RefundedAmount)
		if err != nil {
			return nil, fmt.Errorf("invalid refunded amount %q: %w", resp.RefundedAmount, err)
		}
		v.RefundedAmount = &refunded
	}
	return v, nil
}

// Refund implements Gateway. The idempotency key is not forwarded.
func (p *Payable) Refund(ctx context.Context, intentRef string, amount int64, _ string) (string, error) {
	uid, indicator, err := splitPayableRef(intentRef)
	if err != nil {
		return "", err
	}

	formatted := FormatMinorUnits(amount)
	body := &payableRefundRequest{
		MerchantKey:     p.config.MerchantKey,
		UID:             uid,
		StatusIndicator: indicator,
		Amount:          formatted,
		CheckValue:      p.CheckValue(uid, formatted, ""),
	}

	var resp payableRefundResponse
	refundURL := strings.Replace(p.endpoint(), "/ipg/", "/refund/", 1)
	if err := p.post(ctx, refundURL, body, &resp); err != nil {
		return "", err
	}
	if !strings.EqualFold(resp.Status, "success") {
		return "", fmt.Errorf("refund rejected: %s", resp.Message)
	}
	return resp.RefundID, nil
}

// ParseWebhook implements WebhookParser. PAYable callbacks are unsigned, so
// only the reference is taken; the outcome always comes from VerifyStatus.
func (p *Payable) ParseWebhook(_ context.Context, payload []byte, _ http.Header) (string, error) {
	var body payableWebhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if body.UID == "" || body.StatusIndicator == "" {
		return "", fmt.Errorf("%w: missing uid or statusIndicator", ErrInvalidWebhook)
	}
	return body.UID + "|" + body.StatusIndicator, nil
}

// MapPayableStatus normalizes a PAYable payment status
func MapPayableStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "successful", "completed":
		return StatusCompleted, nil
	case "pending", "":
		return StatusPending, nil
	case "failed", "failure", "declined":
		return StatusFailed, nil
	case "cancelled", "canceled":
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("%w: payable %q", ErrUnrecognizedStatus, raw)
	}
}

func (p *Payable) endpoint() string {
	if p.config.BaseURL != "" {
		return strings.TrimRight(p.config.BaseURL, "/")
	}
	endpoint, ok := PayableEnvironmentURLs[p.config.Environment]
	if !ok {
		endpoint = PayableEnvironmentURLs["sandbox"]
	}
	return endpoint
}

func (p *Payable) post(ctx context.Context, url string, in, out interface{}) error {
	jsonBody, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.WithError(err).WithField("url", url).Error("Failed to call PAYable endpoint")
		return Transient(fmt.Errorf("failed to call payment gateway: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transient(fmt.Errorf("failed to read response: %w", err))
	}

	p.logger.WithFields(logrus.Fields{
		"url":         url,
		"status_code": resp.StatusCode,
	}).Debug("PAYable response received")

	if resp.StatusCode != http.StatusOK {
		return classifyHTTPStatus(resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func splitPayableRef(ref string) (uid, indicator string, err error) {
	parts := strings.SplitN(ref, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed payable reference %q", ref)
	}
	return parts[0], parts[1], nil
}

// splitName splits a full name into first and last name; PAYable requires both
func splitName(fullName string) (firstName, lastName string) {
	parts := strings.Fields(fullName)
	switch len(parts) {
	case 0:
		return "Customer", "."
	case 1:
		return parts[0], "."
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

// FormatMinorUnits renders 150050 as "1500.50"
func FormatMinorUnits(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

// ParseMinorUnits parses a decimal amount string such as "1500.5" into minor units
func ParseMinorUnits(s string) (int64, error) {
	s = strings.TrimSpace(s)
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 2 {
		return 0, fmt.Errorf("more than two decimal places")
	}
	for len(frac) < 2 {
		frac += "0"
	}
	neg := strings.HasPrefix(whole, "-")
	whole = strings.TrimPrefix(whole, "-")
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, err
	}
	total := w*100 + f
	if neg {
		total = -total
	}
	return total, nil
}
