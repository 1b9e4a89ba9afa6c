package wsobserver

// Observer adapts a Hub to the mount.Sink shape the public package's mount
// descriptors expect (see mount.go): OnCellUpdate is called by the Manager
// after every cell_send_update for a mounted cell.
type Observer struct {
	hub *Hub
}

// NewObserver returns a mount sink that broadcasts over hub.
func NewObserver(hub *Hub) *Observer {
	return &Observer{hub: hub}
}

// OnCellUpdate broadcasts a mounted cell's new checksum to subscribed clients.
func (o *Observer) OnCellUpdate(path, checksum string, onlyText bool) {
	o.hub.Broadcast(CellEvent{Path: path, Checksum: checksum, OnlyText: onlyText})
}
