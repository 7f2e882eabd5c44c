package x402

import (
	"errors"
	"testing"
)

func TestGetNetwork(t *testing.T) {
	tests := []struct {
		name        string
		id          string
		wantChainID int64
		wantErr     bool
	}{
		{"base mainnet", "base-mainnet", 8453, false},
		{"base sepolia", "base-sepolia", 84532, false},
		{"ethereum", "ethereum-mainnet", 1, false},
		{"arbitrum", "arbitrum-one", 42161, false},
		{"optimism", "optimism-mainnet", 10, false},
		{"unknown", "solana-mainnet", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := GetNetwork(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("GetNetwork(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedNetwork) {
					t.Errorf("error = %v, want ErrUnsupportedNetwork", err)
				}
				return
			}
			if cfg.ChainID != tt.wantChainID {
				t.Errorf("ChainID = %d, want %d", cfg.ChainID, tt.wantChainID)
			}
			if cfg.USDCAddress == "" || cfg.DefaultRPC == "" {
				t.Error("network config missing USDC address or RPC")
			}
		})
	}
}

func TestNetworkIDsOrder(t *testing.T) {
	want := []string{"base-mainnet", "base-sepolia", "ethereum-mainnet", "arbitrum-one", "optimism-mainnet"}
	got := NetworkIDs()
	if len(got) != len(want) {
		t.Fatalf("NetworkIDs() has %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("NetworkIDs()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestIsL2Network(t *testing.T) {
	if IsL2Network("ethereum-mainnet") {
		t.Error("ethereum-mainnet classified as L2")
	}
	for _, id := range []string{"base-mainnet", "base-sepolia", "arbitrum-one", "optimism-mainnet"} {
		if !IsL2Network(id) {
			t.Errorf("%s not classified as L2", id)
		}
	}
	if IsL2Network("unknown-network") {
		t.Error("unknown network classified as L2")
	}
}

func TestChainID(t *testing.T) {
	if got := ChainID("base-mainnet"); got == nil || got.Int64() != 8453 {
		t.Errorf("ChainID(base-mainnet) = %v, want 8453", got)
	}
	if got := ChainID("no-such-network"); got != nil {
		t.Errorf("ChainID(no-such-network) = %v, want nil", got)
	}
}

func TestRPCEnvVar(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"base-mainnet", "RPC_URL_BASE_MAINNET"},
		{"arbitrum-one", "RPC_URL_ARBITRUM_ONE"},
	}
	for _, tt := range tests {
		if got := RPCEnvVar(tt.id); got != tt.want {
			t.Errorf("RPCEnvVar(%s) = %s, want %s", tt.id, got, tt.want)
		}
	}
}
