// Package service ties the client components together.
//
// A ClientService owns one signed-in account at a time:
//
//   - Login runs a customauth.Session against the configured provider.
//     Challenges surface as EventChallenge and are answered through the
//     returned handle.
//   - Once the session completes, the service opens the user's device
//     directory, creates a shadow.Reconciler and a connection.Supervisor,
//     and connects the transport with the identity's client ID.
//   - SetTarget edits a device's desired temperature. Shadow
//     notifications update the reconciler and surface as EventShadow.
//   - SignOut tears the account down and forgets the last user. Close
//     keeps the last user and saves the device snapshots so the next
//     start can show them before the connection is up.
//
// Example usage:
//
//	svc, err := service.New(service.Config{
//		Provider:  idp.NewClient(authURL, nil),
//		Transport: transport.NewClient(transportConfig),
//		Store:     persistence.NewStore(statePath),
//	})
//	svc.OnEvent(func(ev service.Event) { ... })
//	h, err := svc.Login(ctx, "alice@example.com")
//	h.ProvideAnswer(challenge.Response{challenge.KeyAnswer: code})
//	svc.SetTarget(ctx, "esp32_devkitc_dean1", 21)
//	defer svc.Close()
package service
