// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package identity

import (
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
)

// PassphraseEnv is the non-interactive passphrase source, used when stdin is
// not a terminal (tests, scripted runs).
const PassphraseEnv = "CREVDECK_PASSPHRASE"

// ErrNoPassphrase indicates no passphrase could be obtained.
var ErrNoPassphrase = errors.New("no passphrase available")

// ReadPassphrase obtains the identity passphrase and moves it into an
// enclave. Interactive when stdin is a TTY, otherwise it falls back to the
// PassphraseEnv environment variable.
func ReadPassphrase() (*memguard.Enclave, error) {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		if v := os.Getenv(PassphraseEnv); v != "" {
			return memguard.NewEnclave([]byte(v)), nil
		}
		return nil, fmt.Errorf("%w: stdin is not a terminal and %s is unset", ErrNoPassphrase, PassphraseEnv)
	}

	var pass string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Unlock your review signing identity").
			Description("Unlocking takes a moment after you press Enter.").
			EchoMode(huh.EchoModePassword).
			Value(&pass),
	))
	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("passphrase prompt: %w", err)
	}
	if pass == "" {
		return nil, ErrNoPassphrase
	}
	return memguard.NewEnclave([]byte(pass)), nil
}
