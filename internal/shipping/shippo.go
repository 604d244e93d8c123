package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fulfillment-service/internal/models"
)

const DefaultShippoBaseURL = "https://api.goshippo.com"

// ShippoCarrier books labels through the Shippo API
type ShippoCarrier struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewShippoCarrier creates a new ShippoCarrier
func NewShippoCarrier(baseURL, apiKey string, timeout time.Duration) *ShippoCarrier {
	if baseURL == "" {
		baseURL = DefaultShippoBaseURL
	}
	return &ShippoCarrier{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type shippoAddress struct {
	Name    string `json:"name"`
	Street1 string `json:"street1"`
	Street2 string `json:"street2,omitempty"`
	City    string `json:"city"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
}

type shippoParcel struct {
	Length       string `json:"length"`
	Width        string `json:"width"`
	Height       string `json:"height"`
	DistanceUnit string `json:"distance_unit"`
	Weight       string `json:"weight"`
	MassUnit     string `json:"mass_unit"`
}

type shippoShipmentRequest struct {
	AddressFrom shippoAddress     `json:"address_from"`
	AddressTo   shippoAddress     `json:"address_to"`
	Parcels     []shippoParcel    `json:"parcels"`
	Extra       map[string]string `json:"extra,omitempty"`
	Metadata    string            `json:"metadata"`
	Async       bool              `json:"async"`
}

type shippoRate struct {
	ObjectID string `json:"object_id"`
	Provider string `json:"provider"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type shippoShipmentResponse struct {
	ObjectID string       `json:"object_id"`
	Rates    []shippoRate `json:"rates"`
}

type shippoTransactionRequest struct {
	Rate          string `json:"rate"`
	Metadata      string `json:"metadata"`
	LabelFileType string `json:"label_file_type"`
	Async         bool   `json:"async"`
}

type shippoTransactionResponse struct {
	ObjectID       string `json:"object_id"`
	Status         string `json:"status"`
	TrackingNumber string `json:"tracking_number"`
	LabelURL       string `json:"label_url"`
	Metadata       string `json:"metadata"`
	Messages       []struct {
		Text string `json:"text"`
	} `json:"messages"`
}

// CreateShipment creates a Shippo shipment and buys the first offered rate
func (s *ShippoCarrier) CreateShipment(ctx context.Context, req BookingRequest) (models.ShipmentInfo, error) {
	shipReq := shippoShipmentRequest{
		AddressFrom: toShippoAddress(req.Sender),
		AddressTo:   toShippoAddress(req.Recipient),
		Parcels: []shippoParcel{{
			Length:       "30",
			Width:        "20",
			Height:       "10",
			DistanceUnit: "cm",
			Weight:       fmt.Sprintf("%d", parcelWeight(req.Parcel)),
			MassUnit:     "g",
		}},
		Metadata: req.IdempotencyKey,
	}
	if req.PickupPointID != "" {
		shipReq.Extra = map[string]string{"pickup_point_id": req.PickupPointID}
	}

	var shipment shippoShipmentResponse
	if err := s.doRequest(ctx, http.MethodPost, "/shipments/", shipReq, &shipment); err != nil {
		return models.ShipmentInfo{}, fmt.Errorf("shippo create shipment: %w", err)
	}
	if len(shipment.Rates) == 0 {
		return models.ShipmentInfo{}, fmt.Errorf("shippo create shipment: no rates offered: %w", ErrCarrierRejected)
	}

	txReq := shippoTransactionRequest{
		Rate:          shipment.Rates[0].ObjectID,
		Metadata:      req.IdempotencyKey,
		LabelFileType: "PDF",
	}

	var tx shippoTransactionResponse
	if err := s.doRequest(ctx, http.MethodPost, "/transactions/", txReq, &tx); err != nil {
		return models.ShipmentInfo{}, fmt.Errorf("shippo buy label: %w", err)
	}

	switch tx.Status {
	case "SUCCESS":
		return models.ShipmentInfo{
			TrackingID:    tx.TrackingNumber,
			LabelURL:      tx.LabelURL,
			PickupPointID: req.PickupPointID,
			CarrierRef:    tx.ObjectID,
		}, nil
	case "ERROR":
		msg := "label creation failed"
		if len(tx.Messages) > 0 {
			msg = tx.Messages[0].Text
		}
		return models.ShipmentInfo{}, fmt.Errorf("shippo buy label: %s: %w", msg, ErrCarrierRejected)
	default:
		return models.ShipmentInfo{}, fmt.Errorf("shippo buy label: status %q: %w", tx.Status, ErrCarrierUnavailable)
	}
}

type shippoTransactionList struct {
	Next    string                      `json:"next"`
	Results []shippoTransactionResponse `json:"results"`
}

// recentTransactions bounds how far back FindShipment looks
const recentTransactions = 100

// FindShipment implements BookingFinder. It scans the most recent transactions
// for a bought label tagged with the idempotency key.
func (s *ShippoCarrier) FindShipment(ctx context.Context, idempotencyKey string) (models.ShipmentInfo, bool, error) {
	var list shippoTransactionList
	path := fmt.Sprintf("/transactions/?results=%d", recentTransactions)
	if err := s.doRequest(ctx, http.MethodGet, path, nil, &list); err != nil {
		return models.ShipmentInfo{}, false, fmt.Errorf("shippo list transactions: %w", err)
	}
	for _, tx := range list.Results {
		if tx.Metadata == idempotencyKey && tx.Status == "SUCCESS" {
			return models.ShipmentInfo{
				TrackingID: tx.TrackingNumber,
				LabelURL:   tx.LabelURL,
				CarrierRef: tx.ObjectID,
			}, true, nil
		}
	}
	return models.ShipmentInfo{}, false, nil
}

func parcelWeight(p Parcel) int {
	if p.WeightGrams <= 0 {
		return 500
	}
	return p.WeightGrams
}

func (s *ShippoCarrier) doRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "ShippoToken "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http do: %v: %w", err, ErrCarrierUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %v: %w", err, ErrCarrierUnavailable)
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s: %w", resp.StatusCode, truncate(respBody, 200), classifyStatus(resp.StatusCode))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %v: %w", err, ErrCarrierUnavailable)
		}
	}
	return nil
}

// classifyStatus maps an HTTP failure to the port's error taxonomy
func classifyStatus(code int) error {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return ErrCarrierUnavailable
	default:
		return ErrCarrierRejected
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

func toShippoAddress(a models.Address) shippoAddress {
	return shippoAddress{
		Name:    a.Name,
		Street1: a.Street1,
		Street2: a.Street2,
		City:    a.City,
		Zip:     a.PostalCode,
		Country: a.Country,
		Phone:   a.Phone,
		Email:   a.Email,
	}
}

// IsUnavailable reports whether err should be retried later
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrCarrierUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
