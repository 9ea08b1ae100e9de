package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x402tap/agentpay"
)

func TestDiscover_QueryEncoding(t *testing.T) {
	var query url.Values

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/services/discover", r.URL.Path)
		query = r.URL.Query()
		json.NewEncoder(w).Encode([]Service{
			{ID: "svc-1", Name: "inference-api", PricePerCall: 0.001},
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	services, err := client.Discover(context.Background(), DiscoverOptions{
		Query:         "sentiment",
		Category:      "inference",
		MaxPrice:      0.01,
		MinReputation: 0.8,
		SortBy:        SortByPrice,
		Limit:         5,
	})
	require.NoError(t, err)
	require.Len(t, services, 1)
	require.Equal(t, "svc-1", services[0].ID)

	require.Equal(t, "sentiment", query.Get("query"))
	require.Equal(t, "inference", query.Get("category"))
	require.Equal(t, "0.01", query.Get("maxPrice"))
	require.Equal(t, "0.8", query.Get("minReputation"))
	require.Equal(t, "price", query.Get("sortBy"))
	require.Equal(t, "5", query.Get("limit"))
	require.Empty(t, query.Get("minUptime"), "zero options are omitted")
}

func TestGetService(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/services/svc-42", r.URL.Path)
		json.NewEncoder(w).Encode(Service{
			ID:   "svc-42",
			Name: "translation",
			Pricing: &Pricing{
				Amount:  "0.005",
				Asset:   "USDC",
				Network: "solana",
			},
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	service, err := client.GetService(context.Background(), "svc-42")
	require.NoError(t, err)
	require.Equal(t, "translation", service.Name)
	require.Equal(t, "0.005", service.Pricing.Amount)
}

func TestFindCheapest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "price", r.URL.Query().Get("sortBy"))
		require.Equal(t, "1", r.URL.Query().Get("limit"))

		if r.URL.Query().Get("category") == "empty" {
			json.NewEncoder(w).Encode([]Service{})
			return
		}
		json.NewEncoder(w).Encode([]Service{{ID: "cheap-1", PricePerCall: 0.0001}})
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	service, err := client.FindCheapest(context.Background(), "inference")
	require.NoError(t, err)
	require.NotNil(t, service)
	require.Equal(t, "cheap-1", service.ID)

	none, err := client.FindCheapest(context.Background(), "empty")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestCategories(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/categories", r.URL.Path)
		json.NewEncoder(w).Encode([]string{"inference", "data", "translation"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	categories, err := client.Categories(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"inference", "data", "translation"}, categories)
}

func TestRegisterService(t *testing.T) {
	var registration Registration

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/services/register", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&registration))

		json.NewEncoder(w).Encode(Service{ID: "svc-new", Name: registration.Name})
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	service, err := client.RegisterService(context.Background(), Registration{
		URL:                "https://api.example.com/analyze",
		Name:               "analyzer",
		Description:        "text analysis",
		Category:           "inference",
		OwnerWalletAddress: "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		PricePerCall:       0.002,
		AcceptedTokens:     []string{"USDC", "SOL"},
	})
	require.NoError(t, err)
	require.Equal(t, "svc-new", service.ID)
	require.Equal(t, "analyzer", registration.Name)
	require.Equal(t, []string{"USDC", "SOL"}, registration.AcceptedTokens)
}

func TestDirectoryErrors(t *testing.T) {
	t.Run("missing URL", func(t *testing.T) {
		_, err := NewClient("")
		require.ErrorIs(t, err, agentpay.ErrDirectoryUnavailable)
	})

	t.Run("error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusBadGateway)
		}))
		defer server.Close()

		client, err := NewClient(server.URL)
		require.NoError(t, err)

		_, err = client.Discover(context.Background(), DiscoverOptions{})
		require.ErrorIs(t, err, agentpay.ErrDirectoryUnavailable)
	})

	t.Run("unreachable", func(t *testing.T) {
		client, err := NewClient("http://127.0.0.1:1")
		require.NoError(t, err)

		_, err = client.Categories(context.Background())
		require.ErrorIs(t, err, agentpay.ErrDirectoryUnavailable)
	})
}
