package protocol

import (
	"fmt"
	"sort"

	"github.com/mian7535/msm/internal/models"
)

// ErrIncompletePhases a channel was present in the grouped input without a
// full a/b/c phase triple. The mapper fails closed rather than emitting a
// snapshot with silently missing line registers.
type ErrIncompletePhases struct {
	ChannelID int
	Phases    []string
}

func (e *ErrIncompletePhases) Error() string {
	return fmt.Sprintf("channel %d has incomplete phase set %v, need [a b c]", e.ChannelID, e.Phases)
}

// Snapshot the flat legacy register map
type Snapshot map[string]float64

const (
	incomerChannel = 1
	maxChannel     = 8
)

var phaseOrder = []string{"a", "b", "c"}

// lineNames positional phase -> line label (phase a = L1 ...)
var lineNames = []string{"L1", "L2", "L3"}

// lineToLineNames positional phase -> line-to-line voltage register
var lineToLineNames = []string{"L1_L2_VOLTAGE", "L2_L3_VOLTAGE", "L3_L1_VOLTAGE"}

// MapSnapshot transforms one set of grouped records (one record per
// (channel, phase)) into the flat register map. Pure: identical input
// always yields an identical snapshot.
//
// Register scheme:
//   - channel 1 is the incomer: positional phases map to line-to-line
//     voltage registers plus per-line voltage/current/power registers and
//     the shared FREQUENCY register
//   - channels 2..8 are feeders F1..F7: per-line current, power factor,
//     active power and active energy registers
func MapSnapshot(records []models.TelemetryRecord) (Snapshot, error) {
	grouped, err := groupByChannel(records)
	if err != nil {
		return nil, err
	}

	snapshot := make(Snapshot)

	for channelID, phases := range grouped {
		if channelID == incomerChannel {
			mapIncomer(snapshot, phases)
			continue
		}
		feeder := fmt.Sprintf("F%d", channelID-1)
		mapFeeder(snapshot, feeder, phases)
	}

	return snapshot, nil
}

// MapRanked partitions ranked grouped records by rank and maps each rank's
// set independently; index 0 is the most recent snapshot.
func MapRanked(records []models.TelemetryRecord) ([]Snapshot, error) {
	byRank := make(map[int][]models.TelemetryRecord)
	maxRank := 0
	for _, rec := range records {
		rank := rec.Rank
		if rank < 1 {
			rank = 1
		}
		byRank[rank] = append(byRank[rank], rec)
		if rank > maxRank {
			maxRank = rank
		}
	}

	var snapshots []Snapshot
	for rank := 1; rank <= maxRank; rank++ {
		set, ok := byRank[rank]
		if !ok {
			// Ranks thin out together once history is exhausted; a hole in
			// the middle means groups of uneven depth, stop at the shortest.
			break
		}
		snap, err := MapSnapshot(set)
		if err != nil {
			return nil, fmt.Errorf("failed to map rank %d: %w", rank, err)
		}
		snapshots = append(snapshots, snap)
	}

	return snapshots, nil
}

// groupByChannel indexes records as channel -> positional phase array and
// validates every present channel carries the full a/b/c triple
func groupByChannel(records []models.TelemetryRecord) (map[int][]*models.TelemetryRecord, error) {
	index := make(map[int]map[string]*models.TelemetryRecord)
	for i := range records {
		rec := &records[i]
		if rec.ChannelID < 1 || rec.ChannelID > maxChannel {
			continue
		}
		if !validPhase(rec.Phase) {
			continue
		}
		if index[rec.ChannelID] == nil {
			index[rec.ChannelID] = make(map[string]*models.TelemetryRecord)
		}
		index[rec.ChannelID][rec.Phase] = rec
	}

	grouped := make(map[int][]*models.TelemetryRecord, len(index))
	for channelID, phases := range index {
		if len(phases) != len(phaseOrder) {
			present := make([]string, 0, len(phases))
			for p := range phases {
				present = append(present, p)
			}
			sort.Strings(present)
			return nil, &ErrIncompletePhases{ChannelID: channelID, Phases: present}
		}
		ordered := make([]*models.TelemetryRecord, len(phaseOrder))
		for i, p := range phaseOrder {
			ordered[i] = phases[p]
		}
		grouped[channelID] = ordered
	}

	return grouped, nil
}

func validPhase(phase string) bool {
	for _, p := range phaseOrder {
		if p == phase {
			return true
		}
	}
	return false
}

func mapIncomer(snapshot Snapshot, phases []*models.TelemetryRecord) {
	for i, rec := range phases {
		line := lineNames[i]
		put(snapshot, lineToLineNames[i], rec.LineVoltage)
		put(snapshot, line+"_VOLTAGE", rec.RMSVoltage)
		put(snapshot, line+"_CURRENT", rec.Current)
		put(snapshot, line+"_POWER_FACTOR", rec.PowerFactor)
		put(snapshot, line+"_ACTIVE_POWER", rec.ActivePower)
	}
	// Frequency is a system-wide quantity, reported once from the first phase
	put(snapshot, "FREQUENCY", phases[0].Frequency)
}

func mapFeeder(snapshot Snapshot, feeder string, phases []*models.TelemetryRecord) {
	for i, rec := range phases {
		prefix := feeder + "_" + lineNames[i] + "_"
		put(snapshot, prefix+"CURRENT", rec.Current)
		put(snapshot, prefix+"POWER_FACTOR", rec.PowerFactor)
		put(snapshot, prefix+"ACTIVE_POWER", rec.ActivePower)
		put(snapshot, prefix+"ACTIVE_ENERGY", rec.ActiveEnergyPositive)
	}
}

// put writes a register only when the source measurement is present;
// absent measurements never become zeros
func put(snapshot Snapshot, name string, value *float64) {
	if value == nil {
		return
	}
	snapshot[name] = *value
}
