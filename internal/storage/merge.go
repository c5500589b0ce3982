package storage

// mergeRoots merges the incoming snapshot over the current disk state,
// keyed by refresh token. Incoming fields win, except: lastUsed takes
// the max, rateLimitResetTimes is the union, and project ids already on
// disk survive when the incoming snapshot omits them. Accounts present
// on only one side are kept.
func mergeRoots(disk, incoming *Root) *Root {
	merged := &Root{
		Version:             CurrentVersion,
		ActiveIndex:         incoming.ActiveIndex,
		ActiveIndexByFamily: incoming.ActiveIndexByFamily,
	}

	diskByToken := make(map[string]*Account, len(disk.Accounts))
	for _, acc := range disk.Accounts {
		diskByToken[acc.RefreshToken] = acc
	}

	seen := make(map[string]bool, len(incoming.Accounts))
	for _, in := range incoming.Accounts {
		seen[in.RefreshToken] = true
		if onDisk, ok := diskByToken[in.RefreshToken]; ok {
			merged.Accounts = append(merged.Accounts, mergeAccount(onDisk, in))
		} else {
			merged.Accounts = append(merged.Accounts, in.Clone())
		}
	}

	// Accounts another process added since our snapshot.
	for _, onDisk := range disk.Accounts {
		if !seen[onDisk.RefreshToken] {
			merged.Accounts = append(merged.Accounts, onDisk.Clone())
		}
	}

	sanitize(merged)
	return merged
}

func mergeAccount(disk, in *Account) *Account {
	out := in.Clone()

	if disk.LastUsed > out.LastUsed {
		out.LastUsed = disk.LastUsed
	}

	if len(disk.RateLimitResetTimes) > 0 {
		if out.RateLimitResetTimes == nil {
			out.RateLimitResetTimes = make(map[string]int64, len(disk.RateLimitResetTimes))
		}
		for key, reset := range disk.RateLimitResetTimes {
			if _, ok := out.RateLimitResetTimes[key]; !ok {
				out.RateLimitResetTimes[key] = reset
			}
		}
	}

	if out.ProjectID == "" {
		out.ProjectID = disk.ProjectID
	}
	if out.ManagedProjectID == "" {
		out.ManagedProjectID = disk.ManagedProjectID
	}
	if out.Email == "" {
		out.Email = disk.Email
	}
	return out
}
