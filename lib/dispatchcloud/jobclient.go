// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchcloud

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/dustin/go-humanize"
	"github.com/lsmbo/cumulus/lib/cmd"
	"github.com/lsmbo/cumulus/lib/config"
	"github.com/lsmbo/cumulus/sdk/go/ctxlog"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/lsmbo/cumulus/sdk/go/httpserver"
)

// JobCommand is a client for the management API of a running
// server.
var JobCommand = cmd.Multi(map[string]cmd.Handler{
	"list":   jobList{},
	"cancel": jobAction{method: http.MethodPost, action: "cancel", owner: true},
	"delete": jobAction{method: http.MethodDelete, owner: true},
	"fail":   jobAction{method: http.MethodPost, action: "fail", reason: true},
})

// apiClient sends management API requests to the server named in
// the site config.
type apiClient struct {
	client  *http.Client
	baseURL string
	token   string
}

func newAPIClient(cfg *cumulus.Config) (*apiClient, error) {
	if cfg.ManagementToken == "" {
		return nil, fmt.Errorf("no ManagementToken configured")
	}
	if cfg.Services.Listen == "" {
		return nil, fmt.Errorf("no Services.Listen configured")
	}
	return &apiClient{
		client:  http.DefaultClient,
		baseURL: "http://" + cfg.Services.Listen,
		token:   cfg.ManagementToken,
	}, nil
}

// do sends a request, and decodes the response into dst if dst is
// not nil. A non-2xx response is returned as an error.
func (ac *apiClient) do(method, path string, query url.Values, body interface{}, dst interface{}) error {
	u := ac.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, u, rdr)
	if err != nil {
		return fmt.Errorf("error setting up API request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+ac.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ac.client.Do(req)
	if err != nil {
		return fmt.Errorf("error doing API request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp httpserver.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && len(errResp.Errors) > 0 {
			return fmt.Errorf("%s: %s", resp.Status, errResp.Errors[0])
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("error decoding API response: %w", err)
	}
	return nil
}

func loadClientConfig(prog string, args []string, flags *flag.FlagSet, usage string, stdin io.Reader, stderr io.Writer) (*apiClient, bool, int) {
	loader := config.NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, usage, stderr); !ok {
		return nil, false, code
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, false, 1
	}
	ac, err := newAPIClient(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, false, 1
	}
	return ac, true, 0
}

type jobList struct{}

func (jobList) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	header := flags.Bool("header", false, "print column headings")
	owner := flags.String("owner", "", "only list jobs belonging to `user`")
	app := flags.String("app", "", "only list jobs of the given app")
	status := flags.String("status", "", "only list jobs in the given comma-separated statuses")
	limit := flags.Int("limit", 0, "maximum number of jobs to list (0 = server default)")
	ac, ok, code := loadClientConfig(prog, args, flags, "", stdin, stderr)
	if !ok {
		return code
	}
	query := url.Values{}
	for k, v := range map[string]string{"owner": *owner, "app": *app, "status": *status} {
		if v != "" {
			query.Set(k, v)
		}
	}
	if *limit > 0 {
		query.Set("limit", fmt.Sprint(*limit))
	}
	var jobs struct {
		Items []cumulus.Job
	}
	if err := ac.do(http.MethodGet, "/jobs", query, nil, &jobs); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *header {
		fmt.Fprint(stdout, "id\towner\tapp\tstatus\tflavor\thost\tcreated\n")
	}
	for _, job := range jobs.Items {
		flavor, host := job.Flavor, job.Host
		if flavor == "" {
			flavor = "-"
		}
		if host == "" {
			host = "-"
		}
		fmt.Fprintf(stdout, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", job.ID, job.Owner, job.AppName, job.Status, flavor, host, humanize.Time(job.CreationDate))
	}
	return 0
}

type jobAction struct {
	method string
	action string
	owner  bool // require "owner" flag
	reason bool // accept "reason" flag
}

func (ja jobAction) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	owner := new(string)
	if ja.owner {
		owner = flags.String("owner", "", "`user` the jobs belong to")
	}
	reason := new(string)
	if ja.reason {
		reason = flags.String("reason", "", "reason to write in the job's stderr")
	}
	ac, ok, code := loadClientConfig(prog, args, flags, "job-id [...]", stdin, stderr)
	if !ok {
		return code
	}
	if len(flags.Args()) == 0 {
		fmt.Fprintln(stderr, "usage error: no job IDs provided")
		return 2
	}
	if ja.owner && *owner == "" {
		fmt.Fprintln(stderr, "usage error: -owner is required")
		return 2
	}
	query := url.Values{}
	if *owner != "" {
		query.Set("owner", *owner)
	}
	var body interface{}
	if ja.reason && *reason != "" {
		body = map[string]string{"reason": *reason}
	}
	failed := 0
	for _, id := range flags.Args() {
		path := "/jobs/" + url.PathEscape(id)
		if ja.action != "" {
			path += "/" + ja.action
		}
		if err := ac.do(ja.method, path, query, body, nil); err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", id, err)
			failed++
			continue
		}
		fmt.Fprintf(stderr, "%s: OK\n", id)
	}
	if failed > 0 {
		return 1
	}
	return 0
}
