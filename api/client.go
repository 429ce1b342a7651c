package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kilianp07/ambulance/config"
	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/dispatch/audit"
	"github.com/kilianp07/ambulance/core/lifecycle"
	"github.com/kilianp07/ambulance/core/model"
)

// Client calls a remote dispatch API. Error envelopes are turned back into
// coded errors, so errors.Is(err, apperr.ErrNotFound) works across the wire.
type Client struct {
	base  string
	token string
	hc    *http.Client
}

// NewClient creates a Client from the configuration.
func NewClient(ctx context.Context, cfg config.ClientConfig) (*Client, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hc := &http.Client{Timeout: cfg.Timeout}
	if cfg.OAuth.Enabled() {
		hc = cfg.OAuth.HTTPClient(ctx, hc)
		cfg.Token = ""
	}
	return &Client{base: strings.TrimRight(cfg.BaseURL, "/"), token: cfg.Token, hc: hc}, nil
}

type clientEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *errorBody      `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return apperr.Transient(method+" "+path, err)
	}
	defer res.Body.Close()

	var env clientEnvelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: %s", method, path, res.Status)
	}
	if env.Error != nil {
		return &apperr.Error{Code: apperr.Code(env.Error.Code), Msg: env.Error.Message}
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s: %s", method, path, res.Status)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func driverHeader(driverID string) http.Header {
	if driverID == "" {
		return nil
	}
	return http.Header{HeaderDriverID: []string{driverID}}
}

// RegisterAmbulance creates or updates an ambulance.
func (c *Client) RegisterAmbulance(ctx context.Context, a model.Ambulance) (model.Ambulance, error) {
	var out model.Ambulance
	err := c.do(ctx, http.MethodPut, "/api/ambulance/"+url.PathEscape(a.ID), nil, registerRequest{
		VehicleNumber: a.VehicleNumber,
		DriverID:      a.DriverID,
		Capacity:      a.Capacity,
		Status:        a.Status,
		Location:      a.CurrentLocation,
	}, &out)
	return out, err
}

// RecordLocation reports a location tick. The bool is false when the tick
// was older than the stored one.
func (c *Client) RecordLocation(ctx context.Context, ambulanceID string, loc model.Location, at time.Time) (model.Ambulance, bool, error) {
	var out struct {
		Ambulance model.Ambulance `json:"ambulance"`
		Applied   bool            `json:"applied"`
	}
	err := c.do(ctx, http.MethodPost, "/api/ambulance/"+url.PathEscape(ambulanceID)+"/location", nil,
		locationRequest{Lat: loc.Lat, Lng: loc.Lng, Timestamp: at}, &out)
	return out.Ambulance, out.Applied, err
}

// SetAvailability takes an ambulance online or offline.
func (c *Client) SetAvailability(ctx context.Context, ambulanceID string, online bool) (model.Ambulance, error) {
	var out model.Ambulance
	err := c.do(ctx, http.MethodPost, "/api/ambulance/"+url.PathEscape(ambulanceID)+"/availability", nil,
		availabilityRequest{Online: &online}, &out)
	return out, err
}

// Progress reports a driver lifecycle event for an emergency.
func (c *Client) Progress(ctx context.Context, emergencyID string, ev lifecycle.Event, driverID string) (model.EmergencyRequest, error) {
	var out model.EmergencyRequest
	err := c.do(ctx, http.MethodPost, "/api/emergency/"+url.PathEscape(emergencyID)+"/progress",
		driverHeader(driverID), progressRequest{Event: string(ev)}, &out)
	return out, err
}

// Respond answers an offer.
func (c *Client) Respond(ctx context.Context, offerID string, decision model.Decision, driverID string) (model.Assignment, error) {
	var out model.Assignment
	err := c.do(ctx, http.MethodPost, "/api/assignment/"+url.PathEscape(offerID)+"/respond",
		driverHeader(driverID), respondRequest{Decision: decision, DriverID: driverID}, &out)
	return out, err
}

// Submit creates an emergency request on behalf of req.PatientID.
func (c *Client) Submit(ctx context.Context, req lifecycle.CreateRequest) (model.EmergencyRequest, error) {
	var out model.EmergencyRequest
	err := c.do(ctx, http.MethodPost, "/api/emergency",
		http.Header{HeaderPatientID: []string{req.PatientID}}, createEmergencyRequest{
			Location:         req.Location,
			Severity:         string(req.Severity),
			Description:      req.Description,
			PatientCondition: req.PatientCondition,
		}, &out)
	return out, err
}

// Emergency fetches an emergency request.
func (c *Client) Emergency(ctx context.Context, id string) (model.EmergencyRequest, error) {
	var out model.EmergencyRequest
	err := c.do(ctx, http.MethodGet, "/api/emergency/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// Ambulances lists the fleet, optionally filtered by status.
func (c *Client) Ambulances(ctx context.Context, status model.AmbulanceStatus) ([]model.Ambulance, error) {
	path := "/api/ambulance"
	if status != "" {
		path += "?" + url.Values{"status": {string(status)}}.Encode()
	}
	var out []model.Ambulance
	err := c.do(ctx, http.MethodGet, path, nil, nil, &out)
	return out, err
}

// NearbyAmbulances lists available ambulances closest to loc.
func (c *Client) NearbyAmbulances(ctx context.Context, loc model.Location, limit int) ([]NearbyAmbulance, error) {
	q := url.Values{
		"lat": {strconv.FormatFloat(loc.Lat, 'f', -1, 64)},
		"lng": {strconv.FormatFloat(loc.Lng, 'f', -1, 64)},
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []NearbyAmbulance
	err := c.do(ctx, http.MethodGet, "/api/ambulance/nearby?"+q.Encode(), nil, nil, &out)
	return out, err
}

// Audit queries the assignment audit log.
func (c *Client) Audit(ctx context.Context, q audit.Query) ([]audit.Record, error) {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("emergency_id", q.EmergencyID)
	set("ambulance_id", q.AmbulanceID)
	set("kind", string(q.Kind))
	set("outcome", string(q.Outcome))
	if !q.Start.IsZero() {
		v.Set("start", q.Start.UTC().Format(time.RFC3339))
	}
	if !q.End.IsZero() {
		v.Set("end", q.End.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/api/audit"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out []audit.Record
	err := c.do(ctx, http.MethodGet, path, nil, nil, &out)
	return out, err
}
