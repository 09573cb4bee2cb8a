package encoder

// contractABI holds every function the wallet calls: the ERC20 currency, the
// ERC1155 collection and the order-book marketplace.
const contractABI = `[
{"type":"function","name":"allowance","stateMutability":"view",
 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
 "outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"approve","stateMutability":"nonpayable",
 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
 "outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"balanceOf","stateMutability":"view",
 "inputs":[{"name":"account","type":"address"}],
 "outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"isApprovedForAll","stateMutability":"view",
 "inputs":[{"name":"account","type":"address"},{"name":"operator","type":"address"}],
 "outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"setApprovalForAll","stateMutability":"nonpayable",
 "inputs":[{"name":"_operator","type":"address"},{"name":"_approved","type":"bool"}],
 "outputs":[]},
{"type":"function","name":"mint","stateMutability":"nonpayable",
 "inputs":[{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],
 "outputs":[]},
{"type":"function","name":"safeTransferFrom","stateMutability":"nonpayable",
 "inputs":[{"name":"_from","type":"address"},{"name":"_to","type":"address"},{"name":"_id","type":"uint256"},{"name":"_amount","type":"uint256"},{"name":"_data","type":"bytes"}],
 "outputs":[]},
{"type":"function","name":"createRequest","stateMutability":"nonpayable",
 "inputs":[{"name":"request","type":"tuple","internalType":"struct ISequenceMarketStorage.RequestParams","components":[
   {"name":"isListing","type":"bool"},
   {"name":"isERC1155","type":"bool"},
   {"name":"tokenContract","type":"address"},
   {"name":"tokenId","type":"uint256"},
   {"name":"quantity","type":"uint256"},
   {"name":"expiry","type":"uint96"},
   {"name":"currency","type":"address"},
   {"name":"pricePerToken","type":"uint256"}]}],
 "outputs":[{"name":"requestId","type":"uint256"}]},
{"type":"function","name":"acceptRequest","stateMutability":"nonpayable",
 "inputs":[{"name":"requestId","type":"uint256"},{"name":"quantity","type":"uint256"},{"name":"recipient","type":"address"},{"name":"additionalFees","type":"uint256[]"},{"name":"additionalFeeRecipients","type":"address[]"}],
 "outputs":[]}
]`

// Canonical signatures of the functions in contractABI.
const (
	SigAllowance         = "allowance(address,address)"
	SigApprove           = "approve(address,uint256)"
	SigBalanceOf         = "balanceOf(address)"
	SigIsApprovedForAll  = "isApprovedForAll(address,address)"
	SigSetApprovalForAll = "setApprovalForAll(address,bool)"
	SigMint              = "mint(address,uint256,uint256,bytes)"
	SigSafeTransferFrom  = "safeTransferFrom(address,address,uint256,uint256,bytes)"
	SigCreateRequest     = "createRequest((bool,bool,address,uint256,uint256,uint96,address,uint256))"
	SigAcceptRequest     = "acceptRequest(uint256,uint256,address,uint256[],address[])"
)
