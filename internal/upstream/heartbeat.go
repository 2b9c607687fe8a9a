package upstream

import "time"

// startHeartbeat fires a one-way PROTO_HEARTBEAT_EVENT on cfg.HeartbeatInterval
// while the channel is Ready. Failures are logged and ignored, per §4.6 —
// a broken heartbeat write will surface soon enough as a read error on the
// same socket and trigger the normal reconnect path.
func (c *Connection) startHeartbeat() {
	c.heartbeatMu.Lock()
	c.heartbeatStop = make(chan struct{})
	stop := c.heartbeatStop
	c.heartbeatMu.Unlock()

	c.heartbeatWG.Add(1)
	go func() {
		defer c.heartbeatWG.Done()
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.sendOneWay(payloadHeartbeatEvent, map[string]interface{}{}); err != nil {
					c.cfg.Logger.WithError(err).Debug("upstream: heartbeat send failed")
				}
			case <-stop:
				return
			}
		}
	}()
}

func (c *Connection) stopHeartbeat() {
	c.heartbeatMu.Lock()
	stop := c.heartbeatStop
	c.heartbeatStop = nil
	c.heartbeatMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	c.heartbeatWG.Wait()
}
