package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anaemia-care/fieldsync/internal/local/schema"
	"github.com/anaemia-care/fieldsync/internal/metrics"
)

func TestErrorClassification(t *testing.T) {
	netErr := &NetworkError{Op: OpAddScreening, Err: context.DeadlineExceeded}
	tests := []struct {
		name      string
		err       error
		network   bool
		permanent bool
		class     string
	}{
		{"nil", nil, false, false, ""},
		{"network", netErr, true, false, ClassNetwork},
		{"wrapped network", errors.Join(errors.New("ctx"), netErr), true, false, ClassNetwork},
		{"bad request", &StatusError{StatusCode: 400}, false, true, ClassStatus},
		{"conflict", &StatusError{StatusCode: 409}, false, true, ClassStatus},
		{"request timeout", &StatusError{StatusCode: 408}, false, false, ClassStatus},
		{"rate limited", &StatusError{StatusCode: 429}, false, false, ClassStatus},
		{"server error", &StatusError{StatusCode: 503}, false, false, ClassStatus},
		{"other", errors.New("boom"), false, false, ClassOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.network, IsNetwork(tt.err))
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
			assert.Equal(t, tt.class, Class(tt.err))
		})
	}

	assert.ErrorIs(t, netErr, context.DeadlineExceeded)
	assert.Equal(t, "status 404: update_beneficiary: Not Found",
		(&StatusError{Op: OpUpdateBeneficiary, StatusCode: 404}).Error())
}

func TestFilters_Match(t *testing.T) {
	due := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	b := schema.Beneficiary{Name: "Geeta Bai", ShortID: "ABCD2345", Phone: "9000000001", Category: schema.CategoryLactating, FollowUpDue: &due}

	before := due.Add(time.Hour)
	after := due.Add(-time.Hour)
	tests := []struct {
		name    string
		filters Filters
		want    bool
	}{
		{"zero", Filters{}, true},
		{"name substring", Filters{Query: "geeta"}, true},
		{"short id", Filters{Query: "abcd2345"}, true},
		{"phone", Filters{Query: "9000000001"}, true},
		{"no match", Filters{Query: "sita"}, false},
		{"category", Filters{Category: schema.CategoryLactating}, true},
		{"other category", Filters{Category: schema.CategoryChild}, false},
		{"due before", Filters{FollowUpDueBefore: &before}, true},
		{"due after", Filters{FollowUpDueBefore: &after}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filters.Match(b))
		})
	}

	assert.Len(t, Filters{Category: schema.CategoryChild}.Apply([]schema.Beneficiary{b}), 0)
}

func TestClient_CreateBeneficiary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/beneficiaries", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var in schema.Beneficiary
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		id := int64(42)
		in.ServerID = &id

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(in)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := NewClient(ClientConfig{BaseURL: srv.URL + "/", Timeout: time.Second, Token: "secret"}, nil, m)

	out, err := c.CreateBeneficiary(context.Background(), schema.Beneficiary{Name: "Uma", UniqueID: "u-1", ShortID: "S1"})
	require.NoError(t, err)
	require.NotNil(t, out.ServerID)
	assert.Equal(t, int64(42), *out.ServerID)
	assert.Equal(t, "Uma", out.Name)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GatewayRequests.WithLabelValues(OpCreateBeneficiary, "ok")))
}

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"short_id already exists"}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL}, nil, nil)
	_, err := c.AddScreening(context.Background(), 7, schema.Screening{Hb: 10})
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.StatusCode)
	assert.Equal(t, "short_id already exists", se.Message)
	assert.True(t, IsPermanent(err))
}

func TestClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(ClientConfig{BaseURL: url, Timeout: time.Second}, nil, nil)
	_, err := c.UpdateBeneficiary(context.Background(), 1, schema.BeneficiaryPatch{})
	require.Error(t, err)
	assert.True(t, IsNetwork(err))
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(ClientConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, nil, nil)
	_, err := c.AddFollowUp(context.Background(), 3, schema.FollowUp{})
	assert.True(t, IsNetwork(err), "timeout should be a network error, got %v", err)
}

func TestClient_GetBeneficiariesWithData(t *testing.T) {
	due := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "latest_screening", q.Get("with"))
		assert.Equal(t, "asha", q.Get("q"))
		assert.Equal(t, schema.CategoryPregnant, q.Get("category"))
		assert.Equal(t, "2026-07-01T00:00:00Z", q.Get("due_before"))

		id := int64(5)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(listResponse{
			Beneficiaries: []schema.Beneficiary{{ServerID: &id, Name: "Asha", LatestScreening: &schema.Screening{Hb: 9.9}}},
			Count:         1,
		})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL}, nil, nil)
	list, err := c.GetBeneficiariesWithData(context.Background(), Filters{Query: "asha", Category: schema.CategoryPregnant, FollowUpDueBefore: &due})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].LatestScreening)
	assert.Equal(t, 9.9, list[0].LatestScreening.Hb)
}
