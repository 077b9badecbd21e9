package snapshot

import "metastate/pkg/record"

func prevRecordCount(meta []byte) (uint64, error) {
	m, err := record.UnmarshalSegmentMeta(meta)
	if err != nil {
		return 0, err
	}
	return m.PrevRecordCount, nil
}
