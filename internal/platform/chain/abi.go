package chain

// marketABI is the subset of the confidential prediction market contract
// the settlement path calls.
const marketABI = `[
  {"type":"function","name":"encryptedTotals","stateMutability":"view",
   "inputs":[{"name":"marketId","type":"uint256"}],
   "outputs":[{"name":"yesTotal","type":"bytes32"},{"name":"noTotal","type":"bytes32"}]},
  {"type":"function","name":"payoutAuthorized","stateMutability":"view",
   "inputs":[{"name":"marketId","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"authorizePayout","stateMutability":"nonpayable",
   "inputs":[
     {"name":"marketId","type":"uint256"},
     {"name":"outcome","type":"uint8"},
     {"name":"yesTotal","type":"uint64"},
     {"name":"noTotal","type":"uint64"},
     {"name":"decryptionProof","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"claimFor","stateMutability":"nonpayable",
   "inputs":[{"name":"marketId","type":"uint256"},{"name":"user","type":"address"}],
   "outputs":[]}
]`

// tokenABI covers the operator query of the confidential token.
const tokenABI = `[
  {"type":"function","name":"isOperator","stateMutability":"view",
   "inputs":[{"name":"holder","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

// Outcome codes understood by authorizePayout.
const (
	outcomeYes uint8 = 1
	outcomeNo  uint8 = 2
)
