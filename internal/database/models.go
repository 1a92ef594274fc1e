package database

// Balance is one miners_balance row, keyed minerId_wallet. Amounts are in
// satoshis.
type Balance struct {
	MinerID string `db:"miner_id"`
	Wallet  string `db:"wallet"`
	Balance int64  `db:"balance"`
}

// WalletTotal is the lifetime amount credited to an address.
type WalletTotal struct {
	Address string `db:"address"`
	Total   int64  `db:"total"`
}

// User is what GetUser reports for a miner.
type User struct {
	MinerID string
	Wallet  string
	Balance int64
}

func balanceKey(minerID, wallet string) string {
	return minerID + "_" + wallet
}

const carryName = "payout_carry"
