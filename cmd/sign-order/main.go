package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/zkbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/zkbook/pkg/app/core/transaction"
	"github.com/uhyunpark/zkbook/pkg/crypto"
)

type options struct {
	key       string
	id        string
	market    string
	side      string
	price     uint64
	qty       uint64
	nonce     uint64
	chainID   int64
	typedData bool
}

var opts options

var RootCmd = &cobra.Command{
	Use:   "sign-order",
	Short: "Sign a limit order with EIP-712 and print the JSON envelope for POST /api/v1/orders.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(opts, cmd.OutOrStdout())
	},
}

func init() {
	f := RootCmd.Flags()
	f.StringVar(&opts.key, "key", "", "hex private key; a fresh key is generated when empty")
	f.StringVar(&opts.id, "id", "order-1", "client order id")
	f.StringVar(&opts.market, "market", "ETH-USDC", "market symbol")
	f.StringVar(&opts.side, "side", "bid", "bid|ask (buy|sell)")
	f.Uint64Var(&opts.price, "price", 100, "price in quote ticks per lot")
	f.Uint64Var(&opts.qty, "qty", 1, "quantity in lots")
	f.Uint64Var(&opts.nonce, "nonce", 1, "order nonce")
	f.Int64Var(&opts.chainID, "chain-id", 1337, "EIP-712 domain chain id")
	f.BoolVar(&opts.typedData, "typed-data", false, "also print the eth_signTypedData_v4 payload")
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(o options, w io.Writer) error {
	var signer *crypto.Signer
	var err error
	if o.key == "" {
		signer, err = crypto.GenerateKey()
		if err == nil {
			fmt.Fprintf(w, "Generated key for %s\nPrivate Key: %s (KEEP SECRET!)\n\n", signer.Address().Hex(), signer.PrivateKeyHex())
		}
	} else {
		signer, err = crypto.FromPrivateKeyHex(o.key)
	}
	if err != nil {
		return err
	}

	side, err := orderbook.ParseSide(o.side)
	if err != nil {
		return err
	}
	domain := crypto.DefaultDomain()
	domain.ChainID = big.NewInt(o.chainID)

	tx, err := transaction.Sign(domain, signer, transaction.OrderPayload{
		ID:       o.id,
		Market:   o.market,
		Side:     side,
		Price:    o.price,
		Quantity: o.qty,
		Nonce:    o.nonce,
	})
	if err != nil {
		return err
	}

	// round-trip through the verifier the node uses
	if _, err := transaction.NewVerifier(domain).Verify(tx); err != nil {
		return fmt.Errorf("self-check failed: %w", err)
	}

	if o.typedData {
		typed, err := tx.Order.ToEIP712Order()
		if err != nil {
			return err
		}
		js, err := crypto.NewEIP712Signer(domain).OrderToJSON(typed)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Typed data:\n%s\n\n", js)
	}

	out, err := json.MarshalIndent(tx, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(out))
	return nil
}
