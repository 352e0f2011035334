package scoring

// cexWallets maps known exchange hot wallets and high-traffic program
// accounts. Links through them say nothing about common ownership, so the
// cluster metric cuts them.
var cexWallets = map[string]string{
	// Binance
	"5tzFkiKscXHK5ZXCGbXZxdw7gTjjD1mBwuoFbhUvuAi9": "binance",
	"9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM": "binance",
	"2ojv9BAiHUrvsm9gxDe7fJSzbNZSJcxZvf8dqmWGHG8S": "binance",
	"3yFwqXBfZY4jBVUafQ1YEXw189y2dN3V5KQq9uzBDy1E": "binance",
	"HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH": "binance",

	// Coinbase
	"GJRs4FwHtemZ5ZE9x3FNvJ8TMwitKTh21yxdRPqn7npE": "coinbase",
	"H8sMJSCQxfKiFTCfDR3DUMLPwcRbM61LGFJ8N4dK3WjS": "coinbase",
	"2AQdpHJ2JpcEgPiATUXjQxA8QmafFegfQwSLWSprPicm": "coinbase",

	"FWznbcNXWQuHTawe9RxvQ2LdCENssh12dsznf4RiouN5": "kraken",
	"5VCwKtCXgCJ6kit5FybXjvFnPXCrKoKwFqgq5YVe1rAS": "okx",
	"GBCxMjyaNya5cQk7rAFj6AeUQRYXs2NxaVyUgQsq87nS": "okx",
	"AC5RDfQFmDS1deWZos921JfqscXdByf6BKHAbETSYnh7": "bybit",
	"u6PJ8DtQuPFnfmwHbGFULQ4u4EgjDiyYKjVEsynXq2w":  "gateio",
	"BmFdpraQhkiDQE6SnfG5PVddTtR3GYBnCkEHAowHvPLJ": "kucoin",

	// Pool and router authorities.
	"5Q544fKrFoe6tsEbD7S8EmxGTJYAKtTVhAW5Q5pge4j1": "raydium_authority",
	"JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4":  "jupiter_aggregator",
}

// IsCEXWallet reports whether address is a known exchange wallet.
func (e *Engine) IsCEXWallet(address string) (string, bool) {
	name, ok := e.cex[address]
	return name, ok
}

func (e *Engine) cutEdge(from, to string) bool {
	_, fromCEX := e.cex[from]
	_, toCEX := e.cex[to]
	return fromCEX || toCEX
}
