// Package auth issues agent cookies.
//
// A cookie is handed to an agent in setCookie after its first ping and must
// accompany every later ping, report and artifact upload. It is a signed
// JWT whose subject is the agent UUID and whose issuer names the server
// boot, so
//
//	cookie, err := issuer.Issue(agentUUID)
//	err = issuer.Verify(cookie, agentUUID)
//
// fails with ErrInvalidCookie for a different agent, a tampered token or a
// cookie from an earlier boot. Agents answer reregister by pinging again
// without a cookie.
package auth
