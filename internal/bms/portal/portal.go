// Package portal implements the portal-relayed BMS adapter used by
// residential houses. Authentication is three stages per spec §4.3:
// portal login -> opaque session token; session token -> short-lived
// bearer token scoped to the upstream BMS; bearer token for GraphQL.
// A 401 triggers one full three-stage refresh; failure there fails
// the iteration. Grounded on the same GraphQL shape as the direct
// adapter (internal/bms/direct, from arrigo_api.py) one layer further
// from the upstream BMS.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/heatfetch/heatfetch/internal/bms"
)

const (
	authTimeout     = 30 * time.Second
	bulkReadTimeout = 60 * time.Second
	historyTimeout  = 300 * time.Second

	defaultTokenTTL   = 3 * time.Hour
	tokenSafetyMargin = 5 * time.Minute
)

// Adapter is a portal-relayed GraphQL client for one house.
type Adapter struct {
	portalURL string
	username  string
	password  string

	httpClient *http.Client

	mu           sync.Mutex
	sessionToken string
	bearerToken  string
	expiresAt    time.Time
}

// New constructs a portal adapter against portalURL (the residential
// portal's base URL, e.g. https://homeside.example.com).
func New(portalURL, username, password string) *Adapter {
	return &Adapter{
		portalURL:  portalURL,
		username:   username,
		password:   password,
		httpClient: &http.Client{},
	}
}

func (a *Adapter) tokenValid() bool {
	return a.bearerToken != "" && time.Now().Before(a.expiresAt.Add(-tokenSafetyMargin))
}

// Authenticate runs the three-stage login if there is no valid bearer
// token, otherwise no-ops.
func (a *Adapter) Authenticate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authenticateLocked(ctx)
}

type sessionLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionLoginResponse struct {
	SessionToken string `json:"sessionToken"`
}

type bmsTokenRequest struct {
	SessionToken string `json:"sessionToken"`
}

type bmsTokenResponse struct {
	BearerToken string `json:"bearerToken"`
	ExpiresIn   int    `json:"expiresIn"`
}

func (a *Adapter) authenticateLocked(ctx context.Context) error {
	if a.tokenValid() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	// Stage 1: portal login -> opaque session token.
	sessionToken, err := a.portalLogin(ctx)
	if err != nil {
		return fmt.Errorf("portal: stage 1 login failed: %w", err)
	}

	// Stage 2: session token -> short-lived BMS bearer token.
	bearerToken, expiresIn, err := a.exchangeForBearer(ctx, sessionToken)
	if err != nil {
		return fmt.Errorf("portal: stage 2 token exchange failed: %w", err)
	}

	a.sessionToken = sessionToken
	a.bearerToken = bearerToken
	if expiresIn <= 0 {
		a.expiresAt = time.Now().Add(defaultTokenTTL)
	} else {
		a.expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	return nil
}

func (a *Adapter) postJSON(ctx context.Context, url string, in, out interface{}) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (a *Adapter) portalLogin(ctx context.Context) (string, error) {
	var out sessionLoginResponse
	status, err := a.postJSON(ctx, a.portalURL+"/api/auth/login",
		sessionLoginRequest{Username: a.username, Password: a.password}, &out)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("login returned status %d", status)
	}
	if out.SessionToken == "" {
		return "", fmt.Errorf("login response had no sessionToken")
	}
	return out.SessionToken, nil
}

func (a *Adapter) exchangeForBearer(ctx context.Context, sessionToken string) (string, int, error) {
	var out bmsTokenResponse
	status, err := a.postJSON(ctx, a.portalURL+"/api/auth/bms-token",
		bmsTokenRequest{SessionToken: sessionToken}, &out)
	if err != nil {
		return "", 0, err
	}
	if status != http.StatusOK {
		return "", 0, fmt.Errorf("bms-token exchange returned status %d", status)
	}
	if out.BearerToken == "" {
		return "", 0, fmt.Errorf("bms-token response had no bearerToken")
	}
	return out.BearerToken, out.ExpiresIn, nil
}

type graphqlRequest struct {
	Query     string      `json:"query"`
	Variables interface{} `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

func (a *Adapter) graphql(ctx context.Context, query string, variables interface{}, timeout time.Duration) (json.RawMessage, error) {
	a.mu.Lock()
	if err := a.authenticateLocked(ctx); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	token := a.bearerToken
	a.mu.Unlock()

	do := func(tok string) (*http.Response, error) {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.portalURL+"/api/graphql", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)
		return a.httpClient.Do(req)
	}

	resp, err := do(token)
	if err != nil {
		return nil, fmt.Errorf("portal: graphql request failed: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		a.mu.Lock()
		a.bearerToken = ""
		a.sessionToken = ""
		err := a.authenticateLocked(ctx)
		newToken := a.bearerToken
		a.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("portal: full re-auth after 401 failed: %w", err)
		}
		resp, err = do(newToken)
		if err != nil {
			return nil, fmt.Errorf("portal: graphql retry after re-auth failed: %w", err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("portal: graphql returned status %d", resp.StatusCode)
	}

	var gr graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("portal: decode graphql response: %w", err)
	}
	if len(gr.Errors) > 0 {
		return nil, fmt.Errorf("portal: graphql errors: %v", gr.Errors)
	}
	return gr.Data, nil
}

const currentValuesQuery = `
query CurrentValues($signalIds: [ID!]) {
	signals(ids: $signalIds) { id value }
}`

type currentValuesVariables struct {
	SignalIDs []string `json:"signalIds"`
}

type signalsResponse struct {
	Signals []struct {
		ID    string  `json:"id"`
		Value float64 `json:"value"`
	} `json:"signals"`
}

// ReadCurrentValues fetches all requested signals in a single bulk
// GraphQL query.
func (a *Adapter) ReadCurrentValues(ctx context.Context, signalIDs []string) (map[string]float64, error) {
	data, err := a.graphql(ctx, currentValuesQuery, currentValuesVariables{SignalIDs: signalIDs}, bulkReadTimeout)
	if err != nil {
		return nil, err
	}

	var sr signalsResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, fmt.Errorf("portal: decode signals response: %w", err)
	}

	values := make(map[string]float64, len(sr.Signals))
	for _, s := range sr.Signals {
		values[s.ID] = s.Value
	}
	return values, nil
}

const historyQuery = `
query History($signalIds: [ID!], $from: String, $to: String, $resolutionSeconds: Int) {
	signalHistory(signalIds: $signalIds, from: $from, to: $to, resolutionSeconds: $resolutionSeconds) {
		signalId time value
	}
}`

type historyVariables struct {
	SignalIDs         []string `json:"signalIds"`
	From              string   `json:"from"`
	To                string   `json:"to"`
	ResolutionSeconds int      `json:"resolutionSeconds"`
}

type historyResponse struct {
	SignalHistory []struct {
		SignalID string  `json:"signalId"`
		Time     string  `json:"time"`
		Value    float64 `json:"value"`
	} `json:"signalHistory"`
}

// ReadHistory fetches historical samples for the requested signal IDs
// via the portal's signalHistory query.
func (a *Adapter) ReadHistory(ctx context.Context, signalIDs []string, from, to time.Time, resolutionSeconds int) (map[string][]bms.HistoryPoint, error) {
	vars := historyVariables{
		SignalIDs:         signalIDs,
		From:              from.Format(time.RFC3339),
		To:                to.Format(time.RFC3339),
		ResolutionSeconds: resolutionSeconds,
	}

	data, err := a.graphql(ctx, historyQuery, vars, historyTimeout)
	if err != nil {
		return nil, err
	}

	var hr historyResponse
	if err := json.Unmarshal(data, &hr); err != nil {
		return nil, fmt.Errorf("portal: decode history response: %w", err)
	}

	result := make(map[string][]bms.HistoryPoint)
	for _, item := range hr.SignalHistory {
		t, err := time.Parse(time.RFC3339, item.Time)
		if err != nil {
			continue
		}
		result[item.SignalID] = append(result[item.SignalID], bms.HistoryPoint{Time: t, Value: item.Value})
	}
	return result, nil
}

// GetAlarms is not supported through the residential portal.
func (a *Adapter) GetAlarms(ctx context.Context) ([]bms.Alarm, error) {
	return nil, bms.ErrNotSupported
}

var _ bms.Adapter = (*Adapter)(nil)
