package rendezvous

import "strings"

const (
	sessionsRoot = "sessions/"
	agentsRoot   = "agents/"
	offerName    = "offer.sdp"
	answerName   = "answer.sdp"
	restartDir   = "restart/"
	readyName    = "ready"
)

// Keys is the key namespace of one session.
type Keys struct {
	Agent   string
	Session string
}

// SessionKeys returns the namespace of session under agent.
func SessionKeys(agent, session string) Keys {
	return Keys{Agent: agent, Session: session}
}

// Prefix is the directory holding every key of the session.
func (k Keys) Prefix() string { return sessionsRoot + k.Agent + "/" + k.Session + "/" }

func (k Keys) Offer() string         { return k.Prefix() + offerName }
func (k Keys) Answer() string        { return k.Prefix() + answerName }
func (k Keys) RestartOffer() string  { return k.Prefix() + restartDir + offerName }
func (k Keys) RestartAnswer() string { return k.Prefix() + restartDir + answerName }

// AgentPrefix is the directory under which sessions for agent are created.
func AgentPrefix(agent string) string { return sessionsRoot + agent + "/" }

// ReadyKey is the presence marker of agent.
func ReadyKey(agent string) string { return agentsRoot + agent + "/" + readyName }

// parseOfferKey extracts the session id from an initial offer key
// sessions/{agent}/{session}/offer.sdp. Restart offers do not match.
func parseOfferKey(agent, key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, AgentPrefix(agent))
	if !ok {
		return "", false
	}
	session, name, ok := strings.Cut(rest, "/")
	if !ok || session == "" || name != offerName {
		return "", false
	}
	return session, true
}

// parseReadyKey extracts the agent id from agents/{agent}/ready.
func parseReadyKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, agentsRoot)
	if !ok {
		return "", false
	}
	agent, name, ok := strings.Cut(rest, "/")
	if !ok || agent == "" || name != readyName {
		return "", false
	}
	return agent, true
}
