package contracts

// ERC20ABI is the subset of the ERC-20 interface used for stablecoin payments
// and reward disbursement.
const ERC20ABI = `[
  {"type":"function","name":"transfer","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint8"}]}
]`

// HTSABI covers the token-service precompile call that associates an account
// with a token.
const HTSABI = `[
  {"type":"function","name":"associateToken","stateMutability":"nonpayable",
   "inputs":[{"name":"account","type":"address"},{"name":"token","type":"address"}],
   "outputs":[{"name":"responseCode","type":"int64"}]}
]`

// HTSPrecompileAddress is the fixed address of the token-service precompile.
const HTSPrecompileAddress = "0x0000000000000000000000000000000000000167"
