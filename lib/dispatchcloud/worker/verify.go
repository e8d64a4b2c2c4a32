// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/lsmbo/cumulus/lib/cloud"
	"golang.org/x/crypto/ssh"
)

var (
	errBadInstanceSecret = errors.New("bad instance secret")

	// filename on instance, as given to shell (quoted accordingly)
	instanceSecretFilename = "/var/run/cumulus-instance-secret"
	instanceSecretLength   = 40 // hex digits
)

// TagVerifier verifies a worker's host key by checking that the
// worker knows the secret stored in its cloud tags, for drivers that
// cannot verify host keys themselves.
type TagVerifier struct {
	cloud.Instance
	Secret string
}

// InitCommand returns the boot-time command that stores the secret
// on the worker.
func (tv TagVerifier) InitCommand() cloud.InitCommand {
	return cloud.InitCommand(fmt.Sprintf("umask 0177 && echo -n %q >%s", tv.Secret, instanceSecretFilename))
}

func (tv TagVerifier) VerifyHostKey(pubKey ssh.PublicKey, client *ssh.Client) error {
	if err := tv.Instance.VerifyHostKey(pubKey, client); err != cloud.ErrNotImplemented || tv.Secret == "" {
		// If the wrapped instance indicates it has a way to
		// verify the key, return that decision.
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	var stdout, stderr bytes.Buffer
	session.Stdin = bytes.NewBuffer(nil)
	session.Stdout = &stdout
	session.Stderr = &stderr
	cmd := fmt.Sprintf("cat %s", instanceSecretFilename)
	if u := tv.RemoteUser(); u != "root" {
		cmd = "sudo " + cmd
	}
	err = session.Run(cmd)
	if err != nil {
		return err
	}
	if stdout.String() != tv.Secret {
		return errBadInstanceSecret
	}
	return nil
}

func randomHex(n int) string {
	buf := make([]byte, n/2)
	_, err := io.ReadFull(rand.Reader, buf)
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", buf)
}
