package youtubeharvester

import (
	"fmt"

	"harvest-stack/internal/models"
	"harvest-stack/shared/batch"
	"harvest-stack/shared/catalog"
)

const (
	crawlTable        = "validated_url"
	videoSnippetTable = "youtube_video_snippet"
	channelStatsTable = "youtube_channel_stats"
)

// Flow describes one ingestion pipeline: where its identifiers come from,
// what is requested from the API, and where the batch lands.
type Flow struct {
	Name  string
	Noun  string
	Kind  models.Kind
	Parts []string

	// SourceTable must exist for the flow to have any work
	SourceTable string
	IDColumn    string
	CountColumn string
	queries     func(exclude bool, date string) (list, count string)

	// RewritePublishedAt turns snippet.publishedAt into a SQL timestamp literal
	RewritePublishedAt bool

	Schema catalog.Schema
	Key    batch.KeyFunc
}

// VideoSnippets collects snippets for every YouTube video linked from the
// crawl that has not been collected yet.
var VideoSnippets = Flow{
	Name:               videoSnippetTable,
	Noun:               "videos",
	Kind:               models.KindVideo,
	Parts:              []string{"snippet"},
	SourceTable:        crawlTable,
	IDColumn:           "video_id",
	CountColumn:        "video_count",
	queries:            videoQueries,
	RewritePublishedAt: true,
	Schema: catalog.Schema{
		Table: videoSnippetTable,
		DDL:   createVideoSnippetTable,
	},
	Key: func(date string, count int) string {
		return fmt.Sprintf("%s/%s-%d.json.bz2", videoSnippetTable, date, count)
	},
}

// ChannelStats collects a daily statistics snapshot of every channel seen
// in the snippet table.
var ChannelStats = Flow{
	Name:        channelStatsTable,
	Noun:        "channels",
	Kind:        models.KindChannel,
	Parts:       []string{"statistics"},
	SourceTable: videoSnippetTable,
	IDColumn:    "channel_id",
	CountColumn: "channel_count",
	queries:     channelQueries,
	Schema: catalog.Schema{
		Table:       channelStatsTable,
		DDL:         createChannelStatsTable,
		Partitioned: true,
	},
	Key: func(date string, count int) string {
		return fmt.Sprintf("%s/creation_date=%s/%d.json.bz2", channelStatsTable, date, count)
	},
}

// Flows lists the flows in the order they run; channels depend on snippets
func Flows() []Flow {
	return []Flow{VideoSnippets, ChannelStats}
}

// FlowByName finds a flow by its table name
func FlowByName(name string) (Flow, bool) {
	for _, f := range Flows() {
		if f.Name == name {
			return f, true
		}
	}
	return Flow{}, false
}

const youtubeVideoID = "url_extract_parameter(validated_url, 'v')"

func videoQueries(exclude bool, _ string) (string, string) {
	where := fmt.Sprintf(`
where
  url_extract_host(validated_url) = 'www.youtube.com'
  and %s is not null`, youtubeVideoID)
	if exclude {
		where += fmt.Sprintf(`
  and %s not in (select id from %s)`, youtubeVideoID, videoSnippetTable)
	}

	list := fmt.Sprintf(`
select distinct
  %s as video_id
from
  %s%s`, youtubeVideoID, crawlTable, where)
	count := fmt.Sprintf(`
select count(distinct %s) as video_count
from
  %s%s`, youtubeVideoID, crawlTable, where)
	return list, count
}

// channelQueries skips channels already snapshotted in today's partition so
// a same-day re-run only fetches what is missing.
func channelQueries(exclude bool, date string) (string, string) {
	where := `
where
  snippet.channelId is not null`
	if exclude {
		where += fmt.Sprintf(`
  and snippet.channelId not in (
    select id from %s where creation_date = '%s'
  )`, channelStatsTable, date)
	}

	list := fmt.Sprintf(`
select distinct
  snippet.channelId as channel_id
from
  %s%s
order by
  channel_id`, videoSnippetTable, where)
	count := fmt.Sprintf(`
select count(distinct snippet.channelId) as channel_count
from
  %s%s`, videoSnippetTable, where)
	return list, count
}

const createVideoSnippetTable = `
create external table if not exists youtube_video_snippet
(
    kind string,
    etag string,
    id   string,
    retrieved_at timestamp,
    snippet struct<
        publishedAt:  timestamp,
        title:        string,
        description:  string,
        channelId:    string,
        channelTitle: string,
        categoryId:   string,
        tags:         array<string>,
        liveBroadcastContent: string,
        defaultlanguage:      string,
        defaultAudioLanguage: string,
        localized:  struct <title: string, description: string>,
        thumbnails: struct<
            default:  struct <url: string, width: int, height: int>,
            medium:   struct <url: string, width: int, height: int>,
            high:     struct <url: string, width: int, height: int>,
            standard: struct <url: string, width: int, height: int>,
            maxres:   struct <url: string, width: int, height: int>
        >
    >
)
ROW FORMAT SERDE 'org.openx.data.jsonserde.JsonSerDe'
WITH SERDEPROPERTIES (
    'serialization.format' = '1',
    'ignore.malformed.json' = 'true'
)
LOCATION '{location}'
TBLPROPERTIES ('has_encrypted_data'='false')
`

const createChannelStatsTable = `
create external table if not exists youtube_channel_stats
(
    kind string,
    etag string,
    id   string,
    statistics struct<
        viewCount: bigint,
        commentCount: bigint,
        subscriberCount: bigint,
        hiddenSubscriberCount: boolean,
        videoCount: bigint
    >,
    retrieved_at timestamp
)
PARTITIONED BY (creation_date String)
ROW FORMAT SERDE 'org.openx.data.jsonserde.JsonSerDe'
WITH SERDEPROPERTIES (
    'serialization.format' = '1',
    'ignore.malformed.json' = 'true'
)
LOCATION '{location}'
TBLPROPERTIES ('has_encrypted_data'='false')
`
