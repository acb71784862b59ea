package replication

// State is the observable stage of a replication request.
type State string

const (
	StateRequested   State = "REQUESTED"
	StateExporting   State = "EXPORTING"
	StateDownloading State = "DOWNLOADING"
	StateRemoving    State = "REMOVING"
	StateUploading   State = "UPLOADING"
	StateImporting   State = "IMPORTING"
	StateApplying    State = "APPLYING"
	StateAvailable   State = "AVAILABLE"
	StateError       State = "ERROR"
)

// transitions is the state machine. ERROR is reachable from every
// non-terminal state and is not listed.
//
//	REQUESTED   -> EXPORTING | DOWNLOADING (url import) | AVAILABLE (same version on target)
//	EXPORTING   -> DOWNLOADING
//	DOWNLOADING -> REMOVING (stale target copies) | UPLOADING | AVAILABLE
//	REMOVING    -> UPLOADING
//	UPLOADING   -> IMPORTING
//	IMPORTING   -> APPLYING
//	APPLYING    -> AVAILABLE
var transitions = map[State][]State{
	StateRequested:   {StateExporting, StateDownloading, StateAvailable},
	StateExporting:   {StateDownloading},
	StateDownloading: {StateRemoving, StateUploading, StateAvailable},
	StateRemoving:    {StateUploading},
	StateUploading:   {StateImporting},
	StateImporting:   {StateApplying},
	StateApplying:    {StateAvailable},
}

// Terminal reports whether no further automatic transition occurs.
func (s State) Terminal() bool {
	return s == StateAvailable || s == StateError
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	if s == StateAvailable || s == StateError {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateError {
		return from.Valid()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
