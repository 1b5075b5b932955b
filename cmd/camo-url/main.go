// Command camo-url signs target URLs for the proxy and decodes signed ones.
package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"camo-proxy-go/internal/sign"
)

// Globals are flags shared by every subcommand.
type Globals struct {
	Key      string `kong:"short='k',required,help='HMAC key.',env='CAMO_KEY'"`
	Encoding string `kong:"short='e',default='base64',enum='hex,base64',help='Digest and URL encoding: hex|base64.'"`
}

// CLI is the camo-url command line.
type CLI struct {
	Globals

	Encode EncodeCmd `kong:"cmd,help='Sign a target URL and print its proxy URL.'"`
	Decode DecodeCmd `kong:"cmd,help='Verify a proxy URL and print the target it points to.'"`
}

// EncodeCmd prints the proxy URL for a target.
type EncodeCmd struct {
	Base          string `kong:"short='b',required,help='Proxy base URL, e.g. https://camo.example.com.',env='CAMO_BASE_URL'"`
	NoHTTPSBypass bool   `kong:"help='Sign https targets too instead of returning them unchanged.'"`
	Target        string `kong:"arg,help='Target URL.'"`
}

// DecodeCmd prints the target of a proxy URL after checking its digest.
type DecodeCmd struct {
	ProxyURL string `kong:"arg,help='Proxy URL or /<digest>/<encoded-url> path.'"`
}

// Run executes the encode subcommand.
func (c *EncodeCmd) Run(g *Globals) error {
	out, err := encodeTarget(g, c.Base, c.Target, !c.NoHTTPSBypass)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

// Run executes the decode subcommand.
func (c *DecodeCmd) Run(g *Globals) error {
	target, err := decodeProxyURL(g, c.ProxyURL)
	if err != nil {
		return err
	}
	fmt.Println(target)
	return nil
}

func encodeTarget(g *Globals, base, target string, bypass bool) (string, error) {
	enc, err := sign.ParseEncoding(g.Encoding)
	if err != nil {
		return "", err
	}
	s := sign.NewSigner([]byte(g.Key), enc, sign.WithHTTPSBypass(bypass))
	return s.ProxyURL(base, target)
}

func decodeProxyURL(g *Globals, raw string) (string, error) {
	enc, err := sign.ParseEncoding(g.Encoding)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse proxy url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")
	if len(parts) < 2 {
		return "", errors.New("proxy url must end in /<digest>/<encoded-url>")
	}
	digest, encoded := parts[len(parts)-2], parts[len(parts)-1]

	target, err := sign.DecodeURL(encoded, enc)
	if err != nil {
		return "", err
	}
	if !sign.Verify([]byte(g.Key), target, digest, enc) {
		return "", errors.New("digest does not match key")
	}
	return target, nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("camo-url"),
		kong.Description("Sign and decode camo proxy URLs."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintln(os.Stderr, "camo-url:", err)
		os.Exit(1)
	}
}
