// Command vaultctl is the operator tool for vaultd: it seals signing keys
// and sends signed API requests.
//
//	vaultctl encrypt-key -key 0x... -password ... -out key.json
//	vaultctl address -keyfile key.json -password ...
//	vaultctl call -keyfile key.json -password ... POST /api/vaults/1/deposit '{"amount":1000}'
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/alanyoungcy/vaultd/internal/crypto"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "encrypt-key":
		err = encryptKey(os.Args[2:])
	case "address":
		err = address(os.Args[2:])
	case "call":
		err = call(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "vaultctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: vaultctl <encrypt-key|address|call> [flags]")
}

// keyFlags registers the flags every signing command accepts.
func keyFlags(fs *flag.FlagSet) *crypto.KeyConfig {
	kc := &crypto.KeyConfig{}
	fs.StringVar(&kc.RawPrivateKey, "key", os.Getenv("VAULTD_PRIVATE_KEY"), "hex private key")
	fs.StringVar(&kc.EncryptedKeyPath, "keyfile", "", "encrypted key file")
	fs.StringVar(&kc.KeyPassword, "password", os.Getenv("VAULTD_KEY_PASSWORD"), "key file password")
	return kc
}

func encryptKey(args []string) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ExitOnError)
	key := fs.String("key", os.Getenv("VAULTD_PRIVATE_KEY"), "hex private key")
	password := fs.String("password", os.Getenv("VAULTD_KEY_PASSWORD"), "password to seal the key with")
	out := fs.String("out", "key.json", "output file")
	_ = fs.Parse(args)

	data, err := crypto.EncryptKey(*key, *password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Println(*out)
	return nil
}

func address(args []string) error {
	fs := flag.NewFlagSet("address", flag.ExitOnError)
	kc := keyFlags(fs)
	_ = fs.Parse(args)

	signer, err := crypto.LoadSigner(*kc)
	if err != nil {
		return err
	}
	fmt.Println(signer.Address().Hex())
	return nil
}

// call sends one signed request and prints the response body.
func call(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	kc := keyFlags(fs)
	base := fs.String("url", "http://localhost:8080", "vaultd base URL")
	_ = fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 2 {
		return errors.New("call needs METHOD PATH [BODY]")
	}
	method, path := strings.ToUpper(rest[0]), rest[1]
	var body []byte
	if len(rest) > 2 {
		body = []byte(rest[2])
	}

	signer, err := crypto.LoadSigner(*kc)
	if err != nil {
		return err
	}

	// Only the path is signed; the query string travels unsigned.
	signedPath, _, _ := strings.Cut(path, "?")
	headers, err := signer.Headers(method, signedPath, time.Now().Unix(), body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(*base, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n%s\n", resp.Status, bytes.TrimSpace(out))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed with %s", resp.Status)
	}
	return nil
}
