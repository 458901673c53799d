package cmd

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/goccy/go-json"
	"github.com/p16-hash/polyterminal-automation/pkg/chain"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	polygonChainID = 137
	clobAuthText   = "This message attests that I control the given wallet"
)

//nolint:gochecknoglobals // Cobra boilerplate
var deriveAPICredsCmd = &cobra.Command{
	Use:   "derive-api-creds",
	Short: "Create or derive CLOB API credentials with your private key",
	Long: `Signs a ClobAuth message (L1 authentication) with POLYMARKET_PRIVATE_KEY and
asks the CLOB for the API key, secret and passphrase that order placement needs.
A new key is created first; when the CLOB refuses, the existing key for the
nonce is derived instead.

Credentials always belong to the signing key. With POLYMARKET_SIGNATURE_TYPE 1
or 2 orders are funded by POLYMARKET_PROXY_ADDRESS, which must be set.

Save the printed lines to your .env file:
  POLYMARKET_API_KEY=...
  POLYMARKET_SECRET=...
  POLYMARKET_PASSPHRASE=...`,
	RunE: runDeriveAPICreds,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(deriveAPICredsCmd)
	deriveAPICredsCmd.Flags().Int64("nonce", 0, "Key nonce; each nonce maps to one set of credentials")
	deriveAPICredsCmd.Flags().Bool("derive-only", false, "Only derive an existing key, never create one")
}

// apiCreds is the CLOB's credential response.
type apiCreds struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

func runDeriveAPICreds(cmd *cobra.Command, args []string) error {
	nonce, _ := cmd.Flags().GetInt64("nonce")
	deriveOnly, _ := cmd.Flags().GetBool("derive-only")

	if nonce < 0 {
		return fmt.Errorf("nonce must not be negative, got %d", nonce)
	}

	cfg, logger, err := setup("polyterm-derive-api-creds")
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if cfg.PrivateKey == "" {
		return errors.New("POLYMARKET_PRIVATE_KEY is required to derive API credentials")
	}

	err = checkSignatureSetup(cfg.SignatureType, cfg.ProxyAddress)
	if err != nil {
		return err
	}

	key, err := chain.ParsePrivateKey(strings.TrimSpace(cfg.PrivateKey))
	if err != nil {
		return err
	}

	signer := crypto.PubkeyToAddress(key.PublicKey)

	fmt.Printf("=== Deriving Polymarket API Credentials ===\n\n")
	fmt.Printf("Signer:         %s\n", signer.Hex())
	fmt.Printf("Signature type: %s\n", signatureTypeText(cfg.SignatureType))
	if cfg.ProxyAddress != "" {
		fmt.Printf("Funder:         %s\n", common.HexToAddress(cfg.ProxyAddress).Hex())
	}
	fmt.Printf("CLOB:           %s\n\n", cfg.PolymarketClobURL)

	headers, err := l1Headers(key, time.Now(), nonce)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}
	creds, err := fetchAPICreds(ctx, client, cfg.PolymarketClobURL, headers, deriveOnly, logger)
	if err != nil {
		return err
	}

	printAPICreds(os.Stdout, creds)
	return nil
}

// checkSignatureSetup validates POLYMARKET_SIGNATURE_TYPE against the funder.
func checkSignatureSetup(sigType int, proxy string) error {
	switch sigType {
	case 0:
		return nil
	case 1, 2:
		if proxy == "" {
			return fmt.Errorf("POLYMARKET_SIGNATURE_TYPE %d needs POLYMARKET_PROXY_ADDRESS", sigType)
		}
		if !common.IsHexAddress(proxy) {
			return fmt.Errorf("POLYMARKET_PROXY_ADDRESS %q is not an address", proxy)
		}
		return nil
	default:
		return fmt.Errorf("POLYMARKET_SIGNATURE_TYPE must be 0, 1 or 2, got %d", sigType)
	}
}

func signatureTypeText(sigType int) string {
	switch sigType {
	case 0:
		return "0 (EOA)"
	case 1:
		return "1 (POLY_PROXY)"
	case 2:
		return "2 (GNOSIS_SAFE)"
	default:
		return strconv.Itoa(sigType)
	}
}

// clobAuthTypedData is the EIP-712 ClobAuth message the CLOB verifies.
func clobAuthTypedData(address common.Address, timestamp, nonce int64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": []apitypes.Type{
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: math.NewHexOrDecimal256(polygonChainID),
		},
		Message: apitypes.TypedDataMessage{
			"address":   address.Hex(),
			"timestamp": strconv.FormatInt(timestamp, 10),
			"nonce":     strconv.FormatInt(nonce, 10),
			"message":   clobAuthText,
		},
	}
}

// l1Headers signs a ClobAuth message and returns the POLY_* headers carrying it.
func l1Headers(key *ecdsa.PrivateKey, now time.Time, nonce int64) (http.Header, error) {
	address := crypto.PubkeyToAddress(key.PublicKey)
	timestamp := now.Unix()
	typedData := clobAuthTypedData(address, timestamp, nonce)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}

	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}

	raw := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(messageHash)))
	signature, err := crypto.Sign(crypto.Keccak256(raw), key)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}

	// Ethereum-style recovery id.
	if signature[64] < 27 {
		signature[64] += 27
	}

	headers := http.Header{}
	headers.Set("POLY_ADDRESS", address.Hex())
	headers.Set("POLY_SIGNATURE", hexutil.Encode(signature))
	headers.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	headers.Set("POLY_NONCE", strconv.FormatInt(nonce, 10))
	return headers, nil
}

// fetchAPICreds creates a key for the signed nonce, falling back to deriving
// the existing one.
func fetchAPICreds(ctx context.Context, client *http.Client, baseURL string, headers http.Header, deriveOnly bool, logger *zap.Logger) (creds apiCreds, err error) {
	baseURL = strings.TrimRight(baseURL, "/")

	if !deriveOnly {
		creds, err = authRequest(ctx, client, http.MethodPost, baseURL+"/auth/api-key", headers)
		if err == nil {
			logger.Info("api-key-created")
			return creds, nil
		}
		logger.Info("api-key-create-refused", zap.Error(err))
	}

	creds, err = authRequest(ctx, client, http.MethodGet, baseURL+"/auth/derive-api-key", headers)
	if err != nil {
		return apiCreds{}, fmt.Errorf("derive api key: %w", err)
	}

	logger.Info("api-key-derived")
	return creds, nil
}

func authRequest(ctx context.Context, client *http.Client, method, url string, headers http.Header) (creds apiCreds, err error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return apiCreds{}, fmt.Errorf("create request: %w", err)
	}
	req.Header = headers.Clone()

	resp, err := client.Do(req)
	if err != nil {
		return apiCreds{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apiCreds{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return apiCreds{}, fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	err = json.Unmarshal(body, &creds)
	if err != nil {
		return apiCreds{}, fmt.Errorf("parse response: %w", err)
	}

	if creds.APIKey == "" || creds.Secret == "" || creds.Passphrase == "" {
		return apiCreds{}, errors.New("response has incomplete credentials")
	}

	return creds, nil
}

func printAPICreds(w io.Writer, creds apiCreds) {
	fmt.Fprintf(w, "=== API Credentials ===\n\n")
	fmt.Fprintf(w, "POLYMARKET_API_KEY=%s\n", creds.APIKey)
	fmt.Fprintf(w, "POLYMARKET_SECRET=%s\n", creds.Secret)
	fmt.Fprintf(w, "POLYMARKET_PASSPHRASE=%s\n\n", creds.Passphrase)
	fmt.Fprintf(w, "Save these to your .env file. They are bound to the signing key.\n")
}
