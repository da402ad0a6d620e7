/*
Package client probes a running plbd over gRPC.

plbd exposes the standard grpc.health.v1 service on its gRPC port. The
serving status follows engine readiness: SERVING while the engine and the
refresh loop report in, NOT_SERVING once either is missing, failing or
stale. Besides the overall server ("") the engine registers itself as
api.ServiceName.

	c, err := client.NewClient("localhost:9191")
	if err != nil {
		return err
	}
	defer c.Close()

	ok, err := c.Serving(ctx, api.ServiceName)

Check retries only Unavailable errors, with exponential backoff, so a
probe issued while the daemon is still starting does not fail at once.
An unknown service name fails with NotFound without retrying.
*/
package client
