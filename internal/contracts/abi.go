package contracts

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const vaultABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "vaultAddress", "type": "address"},
      {"indexed": true, "internalType": "bytes32", "name": "ipId", "type": "bytes32"},
      {"indexed": true, "internalType": "address", "name": "licensee", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
      {"indexed": false, "internalType": "string", "name": "licenseType", "type": "string"}
    ],
    "name": "LicenseSold",
    "type": "event"
  }
]`

const oracleABIJSON = `[
  {
    "inputs": [{"internalType": "bytes32", "name": "ipId", "type": "bytes32"}],
    "name": "getCVS",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "bytes32", "name": "ipId", "type": "bytes32"},
      {"internalType": "uint256", "name": "newCVS", "type": "uint256"}
    ],
    "name": "updateCVS",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`

// Names of the contract members the pipeline touches.
const (
	EventLicenseSold = "LicenseSold"
	MethodGetCVS     = "getCVS"
	MethodUpdateCVS  = "updateCVS"
)

var (
	vaultABI     abi.ABI
	vaultABIOnce sync.Once
	vaultABIErr  error

	oracleABI     abi.ABI
	oracleABIOnce sync.Once
	oracleABIErr  error
)

// VaultABI returns the parsed vault ABI.
func VaultABI() (abi.ABI, error) {
	vaultABIOnce.Do(func() {
		vaultABI, vaultABIErr = abi.JSON(strings.NewReader(vaultABIJSON))
	})
	return vaultABI, vaultABIErr
}

// OracleABI returns the parsed CVS oracle ABI.
func OracleABI() (abi.ABI, error) {
	oracleABIOnce.Do(func() {
		oracleABI, oracleABIErr = abi.JSON(strings.NewReader(oracleABIJSON))
	})
	return oracleABI, oracleABIErr
}
