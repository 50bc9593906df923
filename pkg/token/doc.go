/*
Package token manages the lifecycle of an application's access token.

# Overview

A Manager owns one token per application. It persists the token through a
storage.Store under "auth-token-<apiKey>", arms a single expiry timer on an
injectable clockx.Clock and announces every change on the events port:

	mgr, err := token.New(ctx, token.Config{
		App:       app,
		Storage:   memory.New(),
		Bus:       bus,
		Messenger: peer,
	})

	// After signing in, hand over the issuer's response as is.
	err = mgr.Store(ctx, &token.IssuerResponse{
		AccessToken: "eyJ...",
		TokenType:   "bearer",
		ExpiresIn:   token.Int64(3600),
	})

	// Signing out clears the token and announces tokenExpired.
	err = mgr.Store(ctx, nil)

# Token Shapes

Store accepts a Source, which is either a canonical *Token or a raw
*IssuerResponse (access_token, token_type, expires_in, sliding_window,
access_url_token). The issuer shape is normalized once, on the way in.
Decode picks the right variant from JSON.

# Expiry

On every Store the expiry (ExpireAt, epoch milliseconds) is derived once:
from ExpiresIn when present, otherwise from SlidingWindow. A token that
already carries ExpireAt keeps it, so storing a loaded token again never
moves its expiry. Touch extends a sliding-window token explicitly.

Tokens without any expiry information never expire on their own. Tokens
whose expiry is already in the past are cleared on arrival without arming a
timer.

# Events

Each Store announces exactly one event: tokenUpdated, or tokenExpired when
the result is no token. Announcing means an in-process Bus.TriggerEvent
followed by a Messenger.PushMessage so other contexts hear about it. When
the timer fires the token is cleared and tokenExpired is announced once.

The Manager also listens for tokenExpired. When another context announces
it (relayed onto the local bus with events.Relay), the in-memory token and
its timer are dropped without writing to storage.

# Errors

Storage failures are returned by New, Store and Get. A missing or
malformed persisted value is treated as "no token". Messenger failures are
logged and do not fail Store.
*/
package token
