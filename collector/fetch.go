// Copyright 2021 Trey Dockendorf
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

type FetchErrorKind int

const (
	FetchErrTimeout FetchErrorKind = iota
	FetchErrNonZeroExit
	FetchErrNotFound
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchErrTimeout:
		return "timeout"
	case FetchErrNonZeroExit:
		return "non-zero exit"
	case FetchErrNotFound:
		return "not found"
	}
	return "unknown"
}

// FetchError classifies a failed crm_mon invocation. Detail carries stderr
// for logging, it must never end up in a metric label.
type FetchError struct {
	Kind   FetchErrorKind
	Detail string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("crm_mon %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("crm_mon %s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

var CrmMonExec = crmMon

// crmMon runs crm_mon with XML output and returns stdout. The caller owns the
// context deadline, CommandContext kills the process when it expires so a hung
// crm_mon is never leaked.
func crmMon(path string, ctx context.Context) (string, error) {
	cmd := execCommand(ctx, path, "-X")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", &FetchError{Kind: FetchErrTimeout, Err: ctx.Err()}
	}
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return "", &FetchError{Kind: FetchErrNotFound, Err: err}
		}
		return "", &FetchError{Kind: FetchErrNonZeroExit, Detail: strings.TrimSpace(stderr.String()), Err: err}
	}
	return stdout.String(), nil
}
