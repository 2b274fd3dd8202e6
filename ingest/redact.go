package ingest

// redactedSuiteFields are high-churn session tables stripped from every
// suite record before persistence. Each field is replaced with an empty
// list, never deleted: consumers depend on the key being present.
var redactedSuiteFields = []string{
	"userActionSets",
	"userMusicAchievements",
	"userBillingShopItems",
	"userMaterials",
	"userUnitEpisodeStatuses",
	"userSpecialEpisodeStatuses",
	"userEventEpisodeStatuses",
	"userArchiveEventEpisodeStatuses",
	"userCharacterProfileEpisodeStatuses",
	"userCostume3dStatuses",
	"userCostume3dShopItems",
	"userReleaseConditions",
	"userMissionStatuses",
	"userEventExchanges",
	"userInformations",
	"userCustomProfiles",
	"userCustomProfileCards",
	"userCustomProfileResources",
	"userCustomProfileResourceUsages",
	"userCustomProfileGachas",
}

// CleanSuite redacts the session tables in place and returns the record.
// Applying it twice is the same as applying it once.
func CleanSuite(record map[string]any) map[string]any {
	for _, field := range redactedSuiteFields {
		if _, ok := record[field]; ok {
			record[field] = []any{}
		}
	}
	return record
}
