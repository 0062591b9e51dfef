// Example usage of the asset exchange SDK
package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	assetexchange "github.com/kaifufi/asset-exchange-go"
	"github.com/kaifufi/asset-exchange-go/chain"
	"github.com/kaifufi/asset-exchange-go/settlement"
)

func main() {
	// Initialize the SDK client
	config := assetexchange.ClientConfig{
		Host:       "http://localhost:8080", // exchange node started with `exchanged serve`
		Token:      "your-operator-token",   // from `exchanged token`
		ChainID:    assetexchange.ChainIDDevnet,
		RPCURL:     "http://localhost:8545", // needed for fungible currencies and approval checks
		PrivateKey: "your-private-key-here", // Replace with actual private key
	}

	client, err := assetexchange.NewClient(config)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	collection := common.HexToAddress("0x0000000000000000000000000000000000c0ffee") // Replace with actual collection

	// Example: Check the exchange may move our items
	fmt.Println("Checking collection approval...")
	approved, err := client.IsCollectionApproved(ctx, collection)
	if err != nil {
		log.Printf("Failed to read approval: %v", err)
	} else if !approved {
		data, err := client.CollectionApprovalCalldata()
		if err != nil {
			log.Fatalf("Failed to build calldata: %v", err)
		}
		fmt.Printf("Send to %s: 0x%x\n", collection.Hex(), data)
	}

	// Example: List a token for a fixed price of 1.5 native units
	fmt.Println("\nCreating listing...")
	listing, err := client.CreateListing(ctx, assetexchange.ListingInput{
		OriginAsset: collection,
		TokenID:     big.NewInt(1),
		Type:        chain.DirectSale,
		SoftCap:     "1.5",
		HardCap:     "1.5",
	})
	if err != nil {
		log.Fatalf("Failed to create listing: %v", err)
	}
	fmt.Printf("Signed listing: %+v\n", listing)

	// Example: Quote the listing
	price, err := client.API().CurrentPrice(ctx, listing.Listing, 0, "")
	if err != nil {
		log.Printf("Failed to get price: %v", err)
	} else {
		fmt.Printf("Price: %s, buyer pays: %s\n", price.Price, price.Gross)
	}

	// Example: Dutch auction decaying from 2 to 1 over an hour
	fmt.Println("\nCreating dutch auction...")
	now := uint64(time.Now().Unix())
	dutch, err := client.CreateListing(ctx, assetexchange.ListingInput{
		OriginAsset: collection,
		TokenID:     big.NewInt(2),
		Type:        chain.DutchAuction,
		SoftCap:     "1",
		HardCap:     "2",
		StartTime:   now,
		EndTime:     now + 3600,
	})
	if err != nil {
		log.Printf("Failed to create dutch auction: %v", err)
	} else {
		fmt.Printf("Signed dutch auction: %+v\n", dutch)
	}

	// Example: Stream settlement receipts
	fmt.Println("\nSubscribing to receipts...")
	ws := assetexchange.NewWSClient(assetexchange.WSConfig{
		Endpoint: "ws://localhost:8080/v1/stream",
		OnReceipt: func(r *settlement.Receipt) {
			fmt.Printf("Settled %s #%s for %s\n", r.Collection.Hex(), r.TokenID, r.Gross)
		},
		OnError: func(err error) {
			log.Printf("Stream error: %v", err)
		},
	})
	if err := ws.Connect(ctx); err != nil {
		log.Printf("Failed to connect stream: %v", err)
	} else {
		defer ws.Disconnect()
		if err := ws.SubscribeCollection(collection); err != nil {
			log.Printf("Failed to subscribe: %v", err)
		}
	}

	// Example: Latest receipts
	receipts, err := client.LatestReceipts(ctx, 10)
	if err != nil {
		log.Printf("Failed to get receipts: %v", err)
	} else {
		fmt.Printf("Latest receipts: %d\n", len(receipts))
	}

	// Example: Invalidate every outstanding listing and bid
	fmt.Println("\nCancelling orders...")
	res, err := client.CancelOrders(ctx)
	if err != nil {
		log.Printf("Failed to cancel: %v", err)
	} else {
		fmt.Printf("Nonce is now %d\n", res.Nonce)
	}

	time.Sleep(2 * time.Second)
}
