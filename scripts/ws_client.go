// Package main is a demo subscriber: it optionally replaces the selector,
// then prints every update received over the WebSocket stream.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"geyserfeed/internal/codec"
	"geyserfeed/internal/control"
	"geyserfeed/internal/model"
)

func main() {
	endpoint := pflag.StringP("endpoint", "e", "http://127.0.0.1:10000", "service endpoint")
	accounts := pflag.StringSliceP("accounts", "a", nil, "filter by account pubkey")
	owners := pflag.StringSliceP("owner", "o", nil, "filter by owner pubkey")
	encoding := pflag.String("encoding", "json", "wire encoding (json or cbor)")
	setSelector := pflag.String("set-selector", "", `selector JSON to submit before subscribing, e.g. {"accounts":["*"]}`)
	secret := pflag.String("secret", "", "sign the selector update with this HMAC secret")
	decompress := pflag.Bool("decompress", true, "decode compressed account data before printing sizes")
	pflag.Parse()

	base, err := url.Parse(*endpoint)
	if err != nil {
		log.Fatal(err)
	}

	if *setSelector != "" {
		body, _ := json.Marshal(map[string]string{"config": *setSelector})
		req, _ := http.NewRequest(http.MethodPost, base.JoinPath("/v1/selector").String(), bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if *secret != "" {
			req.Header.Set(control.SignatureHeader, control.SignHMAC(*secret, body))
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Fatal(err)
		}
		var res control.Result
		_ = json.NewDecoder(resp.Body).Decode(&res)
		_ = resp.Body.Close()
		log.Printf("update selector: ok=%v %s", res.IsOk, res.ErrorMessage)
	}

	wire, err := codec.NewWire(*encoding)
	if err != nil {
		log.Fatal(err)
	}
	u := *base
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/v1/subscribe"
	q := url.Values{}
	q.Set("encoding", wire.Name())
	if len(*accounts) > 0 {
		q.Set("accounts", strings.Join(*accounts, ","))
	}
	if len(*owners) > 0 {
		q.Set("owners", strings.Join(*owners, ","))
	}
	u.RawQuery = q.Encode()

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()
	log.Println("stream opened")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.Close()
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			log.Printf("stream closed: %v", err)
			return
		}
		var up model.Update
		if err := wire.Unmarshal(data, &up); err != nil {
			// lag notices and other error frames are plain JSON
			log.Printf("<- %s", data)
			continue
		}
		fmt.Println(describe(up, *decompress))
	}
}

func describe(u model.Update, decompress bool) string {
	switch {
	case u.SubscribeResponse != nil:
		return fmt.Sprintf("subscribed, highest write slot %d", u.SubscribeResponse.HighestWriteSlot)
	case u.AccountWrite != nil:
		w := u.AccountWrite
		size := len(w.Data)
		if decompress && w.Compression != "" {
			if pc, err := codec.NewPayload(w.Compression); err == nil {
				if raw, err := pc.Decode(w.Data); err == nil {
					size = len(raw)
				}
			}
		}
		return fmt.Sprintf("write slot=%d pubkey=%s owner=%s lamports=%d bytes=%d selected=%v startup=%v",
			w.Slot, w.Pubkey, w.Owner, w.Lamports, size, w.IsSelected, w.IsStartup)
	case u.SlotUpdate != nil:
		return fmt.Sprintf("slot %d %s", u.SlotUpdate.Slot, u.SlotUpdate.Status)
	case u.Ping != nil:
		return "ping"
	}
	return u.Kind()
}
