package session

import (
	"regexp"
	"strings"
)

// Prompt and verdict detection run over the accumulated cleaned byte stream, not per line: login prompts
// usually arrive without a trailing newline.
var (
	namePromptRe = regexp.MustCompile(`Enter your character name|What is your name|Login:`)
	passPromptRe = regexp.MustCompile(`Password:`)
	loginOKRe    = regexp.MustCompile(`#K%|Last login:|Welcome back|You last quit from|welcomes you back from linkdeath|reconnects`)
	loginFailRe  = regexp.MustCompile(`Unknown user|Bad password|Invalid password|Incorrect password|No such player|already logged in|attempting to login`)
)

type loginVerdict int

const (
	loginPending loginVerdict = iota
	loginSuccess
	loginFailed
)

type loginState int

const (
	loginWaitName loginState = iota
	loginWaitPassword
	loginWaitResult
)

const loginAccLimit = 8192

// autologin drives the name/password dialog after a restart re-dials the game server in direct mode. The
// session suppresses normal line processing while it runs and feeds it every cleaned chunk.
type autologin struct {
	name     string
	password string
	state    loginState
	acc      strings.Builder
	reason   string
}

func newAutologin(name, password string) *autologin {
	return &autologin{name: name, password: password}
}

// feed consumes one cleaned chunk and returns the verdict plus any reply to write upstream. The accumulator
// resets on each state transition so a prompt cannot match twice.
func (a *autologin) feed(chunk string) (loginVerdict, string) {
	a.acc.WriteString(chunk)
	if a.acc.Len() > loginAccLimit {
		tail := a.acc.String()[a.acc.Len()-loginAccLimit/2:]
		a.acc.Reset()
		a.acc.WriteString(tail)
	}
	text := a.acc.String()

	if loginFailRe.MatchString(text) {
		a.reason = "refused: " + loginFailRe.FindString(text)
		return loginFailed, ""
	}
	if loginOKRe.MatchString(text) {
		return loginSuccess, ""
	}

	var reply string
	switch a.state {
	case loginWaitName:
		if namePromptRe.MatchString(text) {
			reply = a.name + "\r\n"
			a.state = loginWaitPassword
			a.acc.Reset()
		} else if passPromptRe.MatchString(text) {
			// Some reconnect flows skip straight to the password.
			reply = a.password + "\r\n"
			a.state = loginWaitResult
			a.acc.Reset()
		}
	case loginWaitPassword:
		if passPromptRe.MatchString(text) {
			reply = a.password + "\r\n"
			a.state = loginWaitResult
			a.acc.Reset()
		}
	}
	return loginPending, reply
}
