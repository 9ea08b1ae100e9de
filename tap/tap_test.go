package tap

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x402tap/agentpay"
	"github.com/x402tap/agentpay/httpsig"
)

var inputPattern = regexp.MustCompile(
	`^sig2=\("@authority" "@path"\); created=(\d+); expires=(\d+); keyid="([^"]*)"; alg="([^"]*)"; nonce="([^"]*)"; tag="([^"]*)"$`)

// paramsFromInput reconstructs the signing parameters from the
// Signature-Input header so the test server can verify like a registry.
func paramsFromInput(t *testing.T, input string) httpsig.SignatureParams {
	t.Helper()

	m := inputPattern.FindStringSubmatch(input)
	require.NotNil(t, m, "unexpected Signature-Input format: %s", input)

	created, err := strconv.ParseInt(m[1], 10, 64)
	require.NoError(t, err)
	expires, err := strconv.ParseInt(m[2], 10, 64)
	require.NoError(t, err)

	return httpsig.SignatureParams{
		Created:   created,
		Expires:   expires,
		KeyID:     m[3],
		Algorithm: httpsig.Algorithm(m[4]),
		Nonce:     m[5],
		Tag:       httpsig.Tag(m[6]),
	}
}

func newTestClient(t *testing.T, registryURL string) (*Client, ed25519.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	client, err := NewClient(Config{
		RegistryURL: registryURL,
		KeyID:       "agent-key-1",
		Algorithm:   httpsig.AlgorithmEd25519,
		Ed25519Key:  priv,
		Cert:        "cert-data",
	})
	require.NoError(t, err)

	return client, pub
}

func TestRegisterAgent(t *testing.T) {
	var (
		gotPath      string
		registration Registration
		sigErr       error
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path

		params := paramsFromInput(t, r.Header.Get("Signature-Input"))
		components := httpsig.SignatureComponents{
			Authority: r.Host,
			Path:      r.URL.Path,
		}
		sigErr = httpsig.Verify(components, params, serverPublicKey, r.Header.Get("Signature"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&registration))

		json.NewEncoder(w).Encode(map[string]any{
			"agent": agentpay.AgentIdentity{
				DID:             registration.DID,
				Cert:            registration.Cert,
				WalletAddress:   registration.WalletAddress,
				ReputationScore: 0.5,
			},
		})
	}))
	defer server.Close()

	client, pub := newTestClient(t, server.URL)
	serverPublicKey = pub

	identity, err := client.RegisterAgent(context.Background(), "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", 100)
	require.NoError(t, err)
	require.NoError(t, sigErr, "registry must be able to verify the request signature")
	require.Equal(t, "/agents/register", gotPath)

	require.Equal(t, "did:x402:agent-key-1", registration.DID)
	require.Equal(t, "cert-data", registration.Cert)
	require.Equal(t, float64(100), registration.Stake)
	require.NotEmpty(t, registration.PublicKey)

	require.Equal(t, identity, client.Identity())
	require.Equal(t, "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", identity.WalletAddress)
	require.InDelta(t, 0.5, identity.ReputationScore, 1e-12)
}

var serverPublicKey ed25519.PublicKey

func TestDiscoverAgents(t *testing.T) {
	var query url.Values

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		json.NewEncoder(w).Encode(map[string]any{
			"agents": []agentpay.AgentIdentity{
				{DID: "did:x402:peer-1", ReputationScore: 0.9},
				{DID: "did:x402:peer-2", ReputationScore: 0.7},
			},
		})
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)

	agents, err := client.DiscoverAgents(context.Background(), DiscoverFilters{
		Capability:    "inference",
		MinReputation: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, agents, 2)
	require.Equal(t, "did:x402:peer-1", agents[0].DID)

	require.Equal(t, "inference", query.Get("capability"))
	require.Equal(t, "0.5", query.Get("minReputation"))
	require.Empty(t, query.Get("minStake"), "zero filters are omitted")
}

func TestIdentityHeadersAfterRegistration(t *testing.T) {
	var did, cert, wallet string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/agents/register":
			json.NewEncoder(w).Encode(map[string]any{
				"agent": agentpay.AgentIdentity{
					DID:           "did:x402:agent-key-1",
					Cert:          "issued-cert",
					WalletAddress: "wallet-addr",
				},
			})
		case "/agents/discover":
			did = r.Header.Get("X-Agent-DID")
			cert = r.Header.Get("X-Agent-Cert")
			wallet = r.Header.Get("X-Agent-Wallet")
			json.NewEncoder(w).Encode(map[string]any{"agents": []agentpay.AgentIdentity{}})
		}
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)

	_, err := client.RegisterAgent(context.Background(), "wallet-addr", 0)
	require.NoError(t, err)

	_, err = client.DiscoverAgents(context.Background(), DiscoverFilters{})
	require.NoError(t, err)

	require.Equal(t, "did:x402:agent-key-1", did)
	require.Equal(t, "issued-cert", cert)
	require.Equal(t, "wallet-addr", wallet)
}

func TestRegistryUnavailable(t *testing.T) {
	t.Run("no URL configured", func(t *testing.T) {
		client, _ := newTestClient(t, "")

		_, err := client.RegisterAgent(context.Background(), "wallet", 0)
		require.ErrorIs(t, err, agentpay.ErrDirectoryUnavailable)
	})

	t.Run("error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		client, _ := newTestClient(t, server.URL)

		_, err := client.DiscoverAgents(context.Background(), DiscoverFilters{})
		require.ErrorIs(t, err, agentpay.ErrDirectoryUnavailable)

		var paymentErr *agentpay.PaymentError
		require.ErrorAs(t, err, &paymentErr)
		require.Equal(t, agentpay.ErrCodeDirectoryUnavailable, paymentErr.Code)
	})

	t.Run("unreachable", func(t *testing.T) {
		client, _ := newTestClient(t, "http://127.0.0.1:1")

		_, err := client.DiscoverAgents(context.Background(), DiscoverFilters{})
		require.ErrorIs(t, err, agentpay.ErrDirectoryUnavailable)
	})
}

func TestNewClient_KeyValidation(t *testing.T) {
	_, err := NewClient(Config{Algorithm: httpsig.AlgorithmEd25519})
	require.ErrorIs(t, err, agentpay.ErrInvalidKey)

	_, err = NewClient(Config{Algorithm: httpsig.AlgorithmRSAPSSSHA256})
	require.ErrorIs(t, err, agentpay.ErrInvalidKey)

	_, err = NewClient(Config{Algorithm: "hmac"})
	require.ErrorIs(t, err, agentpay.ErrInvalidKey)
}
