package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Polygon mainnet contract addresses.
const (
	PolygonChainID      = 137
	CTFAddress          = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	NegRiskAdapterAddr  = "0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296"
	USDCAddress         = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	CTFExchangeAddr     = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	NegRiskExchangeAddr = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
)

const ctfABIJSON = `[
	{"inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],
	 "name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"conditionId","type":"bytes32"}],
	 "name":"payoutDenominator","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"conditionId","type":"bytes32"},{"name":"index","type":"uint256"}],
	 "name":"payoutNumerators","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},
	           {"name":"conditionId","type":"bytes32"},{"name":"indexSets","type":"uint256[]"}],
	 "name":"redeemPositions","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"operator","type":"address"},{"name":"approved","type":"bool"}],
	 "name":"setApprovalForAll","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],
	 "name":"isApprovedForAll","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"}
]`

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const negRiskABIJSON = `[
	{"inputs":[{"name":"conditionId","type":"bytes32"},{"name":"amounts","type":"uint256[]"}],
	 "name":"redeemPositions","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const safeABIJSON = `[
	{"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"},
	           {"name":"operation","type":"uint8"},{"name":"safeTxGas","type":"uint256"},{"name":"baseGas","type":"uint256"},
	           {"name":"gasPrice","type":"uint256"},{"name":"gasToken","type":"address"},
	           {"name":"refundReceiver","type":"address"},{"name":"signatures","type":"bytes"}],
	 "name":"execTransaction","outputs":[{"name":"success","type":"bool"}],"stateMutability":"payable","type":"function"},
	{"inputs":[],"name":"nonce","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"},
	           {"name":"operation","type":"uint8"},{"name":"safeTxGas","type":"uint256"},{"name":"baseGas","type":"uint256"},
	           {"name":"gasPrice","type":"uint256"},{"name":"gasToken","type":"address"},
	           {"name":"refundReceiver","type":"address"},{"name":"_nonce","type":"uint256"}],
	 "name":"getTransactionHash","outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view","type":"function"}
]`

// ABIs bundles the parsed contract interfaces the client talks to.
type ABIs struct {
	CTF     abi.ABI
	NegRisk abi.ABI
	Safe    abi.ABI
	ERC20   abi.ABI
}

// ParseABIs parses the embedded contract ABIs.
func ParseABIs() (abis ABIs, err error) {
	abis.CTF, err = abi.JSON(strings.NewReader(ctfABIJSON))
	if err != nil {
		return abis, fmt.Errorf("parse CTF ABI: %w", err)
	}

	abis.NegRisk, err = abi.JSON(strings.NewReader(negRiskABIJSON))
	if err != nil {
		return abis, fmt.Errorf("parse neg-risk adapter ABI: %w", err)
	}

	abis.Safe, err = abi.JSON(strings.NewReader(safeABIJSON))
	if err != nil {
		return abis, fmt.Errorf("parse safe ABI: %w", err)
	}

	abis.ERC20, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return abis, fmt.Errorf("parse ERC20 ABI: %w", err)
	}

	return abis, nil
}
