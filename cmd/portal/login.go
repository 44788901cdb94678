package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/ehr/portal/internal/platform/cognito"
	"github.com/ehr/portal/internal/session"
)

// maxLoginSteps bounds the challenge chain of a single sign-in.
const maxLoginSteps = 5

type loginStore interface {
	Snapshot() session.Snapshot
	Login(ctx context.Context, identifier, secret string) session.Outcome
	VerifyMfa(ctx context.Context, code string) session.Outcome
	SetupMfa(ctx context.Context) (string, error)
	CompleteMfaSetup(ctx context.Context, code string) session.Outcome
	CompleteNewPassword(ctx context.Context, password string) session.Outcome
}

type prompter struct {
	in  *bufio.Reader
	out io.Writer
	// hidden reads a line without echo. Nil falls back to a plain read.
	hidden func() (string, error)
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	p := &prompter{in: bufio.NewReader(in), out: out}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.hidden = func() (string, error) {
			b, err := term.ReadPassword(int(f.Fd()))
			fmt.Fprintln(out)
			return string(b), err
		}
	}
	return p
}

func (p *prompter) ask(label string) (string, error) {
	fmt.Fprint(p.out, label)
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (p *prompter) askSecret(label string) (string, error) {
	if p.hidden == nil {
		return p.ask(label)
	}
	fmt.Fprint(p.out, label)
	s, err := p.hidden()
	return strings.TrimSpace(s), err
}

// runLogin drives the store through a sign-in, answering each challenge the
// provider raises until the user is signed in or the attempt fails. A
// rejected answer to a challenge that is still pending is re-prompted.
func runLogin(ctx context.Context, store loginStore, p *prompter, username, issuer string) error {
	var err error
	if username == "" {
		if username, err = p.ask("Username or email: "); err != nil {
			return err
		}
	}
	password, err := p.askSecret("Password: ")
	if err != nil {
		return err
	}

	out := store.Login(ctx, username, password)
	for step := 0; step < maxLoginSteps; step++ {
		if out.Error != "" {
			snap := store.Snapshot()
			if out.Failure != cognito.ChallengeFailure || !stillChallenged(snap) {
				return errors.New(out.Error)
			}
			fmt.Fprintln(p.out, out.Error)
			out = session.Outcome{
				MFARequired:         snap.MFARequired,
				MFASetupRequired:    snap.MFASetupRequired,
				NewPasswordRequired: snap.NewPasswordRequired,
			}
		}

		switch {
		case out.ReauthRequired:
			fmt.Fprintln(p.out, out.Message)
			return nil
		case out.MFARequired:
			code, err := p.ask("Authenticator code: ")
			if err != nil {
				return err
			}
			out = store.VerifyMfa(ctx, code)
		case out.NewPasswordRequired:
			fmt.Fprintln(p.out, "A new password is required.")
			pw, err := p.askSecret("New password: ")
			if err != nil {
				return err
			}
			out = store.CompleteNewPassword(ctx, pw)
		case out.MFASetupRequired:
			// A retry keeps the secret already added to the authenticator.
			if store.Snapshot().TOTPSecret == "" {
				secret, err := store.SetupMfa(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(p.out, "Add this key to your authenticator app: %s\n", secret)
				fmt.Fprintf(p.out, "Or scan: %s\n", cognito.OTPAuthURI(secret, username, issuer))
			}
			code, err := p.ask("Authenticator code: ")
			if err != nil {
				return err
			}
			out = store.CompleteMfaSetup(ctx, code)
		case out.Success:
			snap := store.Snapshot()
			name := username
			if snap.User != nil {
				name = snap.User.Name
			}
			fmt.Fprintf(p.out, "Signed in as %s.\n", name)
			return nil
		default:
			return fmt.Errorf("sign-in did not complete")
		}
	}
	if out.Error != "" {
		return errors.New(out.Error)
	}
	return fmt.Errorf("sign-in did not complete after %d steps", maxLoginSteps)
}

func stillChallenged(snap session.Snapshot) bool {
	return snap.MFARequired || snap.MFASetupRequired || snap.NewPasswordRequired
}
