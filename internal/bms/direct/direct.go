// Package direct implements the direct-connection BMS adapter used by
// commercial buildings that talk straight to an Arrigo GraphQL server,
// bypassing the residential portal. Grounded on arrigo_api.py: simple
// username/password login to a JWT bearer token, then GraphQL for
// everything else, with a single automatic re-auth on a 401.
package direct

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
	authTimeout    = 30 * time.Second
	bulkReadTimeout = 60 * time.Second
	historyTimeout  = 300 * time.Second

	tokenSafetyMargin = 5 * time.Minute
)

// Adapter is a direct Arrigo GraphQL client for one building.
type Adapter struct {
	host     string
	username string
	password string

	httpClient *http.Client

	mu          sync.Mutex
	authToken   string
	expiresAt   time.Time
}

// New constructs a direct adapter for the Arrigo server at host.
func New(host, username, password string) *Adapter {
	return &Adapter{
		host:       host,
		username:   username,
		password:   password,
		httpClient: &http.Client{},
	}
}

func (a *Adapter) baseURL() string   { return fmt.Sprintf("https://%s", a.host) }
func (a *Adapter) graphqlURL() string { return a.baseURL() + "/Arrigo/api/graphql" }

type loginRequest struct {
	Account     string `json:"account"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	NewPassword string `json:"newPassword"`
	Remember    bool   `json:"remember"`
}

type loginResponse struct {
	AuthToken string `json:"authToken"`
	ExpiresIn int    `json:"expires_in"`
}

func (a *Adapter) tokenValid() bool {
	return a.authToken != "" && time.Now().Before(a.expiresAt.Add(-tokenSafetyMargin))
}

// Authenticate logs in if there is no valid token, otherwise no-ops.
func (a *Adapter) Authenticate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authenticateLocked(ctx)
}

func (a *Adapter) authenticateLocked(ctx context.Context) error {
	if a.tokenValid() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	body, err := json.Marshal(loginRequest{
		Username:    a.username,
		Password:    a.password,
		NewPassword: "",
		Remember:    true,
	})
	if err != nil {
		return fmt.Errorf("direct: encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL()+"/Arrigo/api/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("direct: login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("direct: login returned status %d", resp.StatusCode)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("direct: decode login response: %w", err)
	}
	if lr.AuthToken == "" {
		return fmt.Errorf("direct: login response had no authToken")
	}

	expiresIn := lr.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 10800
	}

	a.authToken = lr.AuthToken
	a.expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	return nil
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
	token := a.authToken
	a.mu.Unlock()

	do := func(tok string) (*http.Response, error) {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.graphqlURL(), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)
		return a.httpClient.Do(req)
	}

	resp, err := do(token)
	if err != nil {
		return nil, fmt.Errorf("direct: graphql request failed: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		a.mu.Lock()
		a.authToken = ""
		err := a.authenticateLocked(ctx)
		newToken := a.authToken
		a.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("direct: re-auth after 401 failed: %w", err)
		}
		resp, err = do(newToken)
		if err != nil {
			return nil, fmt.Errorf("direct: graphql retry after re-auth failed: %w", err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("direct: graphql returned status %d", resp.StatusCode)
	}

	var gr graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("direct: decode graphql response: %w", err)
	}
	if len(gr.Errors) > 0 {
		return nil, fmt.Errorf("direct: graphql errors: %v", gr.Errors)
	}
	return gr.Data, nil
}

const currentValuesQuery = `
{
	analogs(first: 500) {
		items { id value }
	}
}`

type analogsResponse struct {
	Analogs struct {
		Items []struct {
			ID    string  `json:"id"`
			Value float64 `json:"value"`
		} `json:"items"`
	} `json:"analogs"`
}

// ReadCurrentValues fetches every analog signal in one bulk GraphQL
// query and returns only the requested signal IDs.
func (a *Adapter) ReadCurrentValues(ctx context.Context, signalIDs []string) (map[string]float64, error) {
	data, err := a.graphql(ctx, currentValuesQuery, nil, bulkReadTimeout)
	if err != nil {
		return nil, err
	}

	var ar analogsResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return nil, fmt.Errorf("direct: decode analogs response: %w", err)
	}

	wanted := make(map[string]bool, len(signalIDs))
	for _, id := range signalIDs {
		wanted[id] = true
	}

	values := make(map[string]float64)
	for _, item := range ar.Analogs.Items {
		if wanted[item.ID] {
			values[item.ID] = item.Value
		}
	}
	return values, nil
}

const historyQuery = `
query GetHistory($filter: AnalogEventFilter) {
	analogsHistory(first: 50000, filter: $filter) {
		items { signalId time value }
	}
}`

type historyVariables struct {
	Filter historyFilter `json:"filter"`
}

type historyFilter struct {
	SignalID   []string     `json:"signalId"`
	Ranges     []timeRange  `json:"ranges"`
	TimeLength int          `json:"timeLength"`
}

type timeRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type historyResponse struct {
	AnalogsHistory struct {
		Items []struct {
			SignalID string  `json:"signalId"`
			Time     string  `json:"time"`
			Value    float64 `json:"value"`
		} `json:"items"`
	} `json:"analogsHistory"`
}

// ReadHistory fetches historical samples for the requested signal IDs
// via Arrigo's analogsHistory query.
func (a *Adapter) ReadHistory(ctx context.Context, signalIDs []string, from, to time.Time, resolutionSeconds int) (map[string][]bms.HistoryPoint, error) {
	vars := historyVariables{Filter: historyFilter{
		SignalID:   signalIDs,
		Ranges:     []timeRange{{From: from.Format(time.RFC3339), To: to.Format(time.RFC3339)}},
		TimeLength: resolutionSeconds,
	}}

	data, err := a.graphql(ctx, historyQuery, vars, historyTimeout)
	if err != nil {
		return nil, err
	}

	var hr historyResponse
	if err := json.Unmarshal(data, &hr); err != nil {
		return nil, fmt.Errorf("direct: decode history response: %w", err)
	}

	result := make(map[string][]bms.HistoryPoint)
	for _, item := range hr.AnalogsHistory.Items {
		t, err := time.Parse(time.RFC3339, item.Time)
		if err != nil {
			continue
		}
		result[item.SignalID] = append(result[item.SignalID], bms.HistoryPoint{Time: t, Value: item.Value})
	}
	return result, nil
}

const alarmsQuery = `
{
	alarms(first: 100) {
		edges { node { id alarmText alarmTime noOfAlarms } }
	}
}`

type alarmsResponse struct {
	Alarms struct {
		Edges []struct {
			Node struct {
				ID         string `json:"id"`
				AlarmText  string `json:"alarmText"`
				AlarmTime  string `json:"alarmTime"`
				NoOfAlarms int    `json:"noOfAlarms"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"alarms"`
}

// GetAlarms fetches active alarms via Arrigo's alarms connection.
func (a *Adapter) GetAlarms(ctx context.Context) ([]bms.Alarm, error) {
	data, err := a.graphql(ctx, alarmsQuery, nil, bulkReadTimeout)
	if err != nil {
		return nil, err
	}

	var ar alarmsResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return nil, fmt.Errorf("direct: decode alarms response: %w", err)
	}

	alarms := make([]bms.Alarm, 0, len(ar.Alarms.Edges))
	for _, e := range ar.Alarms.Edges {
		t, _ := time.Parse(time.RFC3339, e.Node.AlarmTime)
		alarms = append(alarms, bms.Alarm{
			ID:    e.Node.ID,
			Text:  e.Node.AlarmText,
			Time:  t,
			Count: e.Node.NoOfAlarms,
		})
	}
	return alarms, nil
}

var _ bms.Adapter = (*Adapter)(nil)
