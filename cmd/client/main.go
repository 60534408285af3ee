// Copyright 2025 The fawa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command client uploads, downloads and deletes files on a keydrop server.
//
//	client upload <path>
//	client download <publicKey> [-o file]
//	client delete <privateKey>
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/fawa-io/keydrop/pkg/fwlog"
	"github.com/fawa-io/keydrop/pkg/util"
)

const usage = `usage:
  client [--server URL] upload <path>
  client [--server URL] download <publicKey> [-o file]
  client [--server URL] delete <privateKey>
`

func main() {
	if err := run(os.Args[1:], os.Stdout, http.DefaultClient); err != nil {
		fwlog.Fatal(err)
	}
}

type client struct {
	server string
	http   *http.Client
}

func run(args []string, stdout io.Writer, hc *http.Client) error {
	flags := pflag.NewFlagSet("client", pflag.ContinueOnError)
	server := flags.String("server", "http://localhost:3000", "Base URL of the keydrop server.")
	output := flags.StringP("output", "o", "", "Where to write a downloaded file (default: its original name).")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 2 {
		flags.Usage()
		return errors.New("expected a command and one argument")
	}

	c := &client{server: strings.TrimRight(*server, "/"), http: hc}
	cmd, arg := flags.Arg(0), flags.Arg(1)
	switch cmd {
	case "upload":
		return c.upload(arg, stdout)
	case "download":
		return c.download(arg, *output, stdout)
	case "delete":
		return c.delete(arg, stdout)
	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// serverError turns a non-2xx response into an error.
func serverError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return fmt.Errorf("server returned %s: %s", resp.Status, body.Error)
}

func (c *client) upload(path string, stdout io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// Stream the file into the multipart body without buffering it.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	resp, err := c.http.Post(c.server+"/files", mw.FormDataContentType(), pr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}

	var keys struct {
		PublicKey  string `json:"publicKey"`
		PrivateKey string `json:"privateKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Fprintf(stdout, "public key:  %s\nprivate key: %s\n", keys.PublicKey, keys.PrivateKey)
	return nil
}

func (c *client) download(publicKey, output string, stdout io.Writer) error {
	resp, err := c.http.Get(c.server + "/files/" + url.PathEscape(publicKey))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}

	if output == "" {
		output = publicKey
		if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
			output = util.SanitizeName(params["filename"])
		}
	}
	if util.Exist(output) {
		return fmt.Errorf("%s already exists", output)
	}

	out, err := os.Create(output)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(output)
		return err
	}
	fmt.Fprintf(stdout, "saved %s (%d bytes)\n", output, n)
	return nil
}

func (c *client) delete(privateKey string, stdout io.Writer) error {
	req, err := http.NewRequest(http.MethodDelete, c.server+"/files/"+url.PathEscape(privateKey), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}
	fmt.Fprintln(stdout, "deleted")
	return nil
}
